package notifications

import "errors"

var ErrNotFound = errors.New("notifications: not found")
