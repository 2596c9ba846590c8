package documents

import "errors"

var ErrNotFound = errors.New("documents: not found")
