// Package storage keeps uploaded files on the local disk or in S3.
package storage

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrInvalidKey = errors.New("storage: invalid object key")
	ErrNotFound   = errors.New("storage: object not found")
)

// FileInfo describes an upload before it is stored.
type FileInfo struct {
	Name        string
	ContentType string
	Size        int64
}

// Object is a stored file.
type Object struct {
	Key      string `json:"key"`
	URL      string `json:"url"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Provider string `json:"provider"`
}

// Provider stores objects under keys of the form <folder>/<random hex><ext>.
type Provider interface {
	Upload(ctx context.Context, body io.Reader, info FileInfo, folder string) (*Object, error)
	Delete(ctx context.Context, key string) error
	// URL returns a link to the object. Private providers sign it for ttl.
	URL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Name() string
}

// NewKey builds a random key inside folder keeping the file's extension.
func NewKey(folder, fileName string) (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("storage: random key: %w", err)
	}
	folder = strings.Trim(path.Clean("/"+folder), "/")
	if folder == "" {
		folder = "general"
	}
	return folder + "/" + hex.EncodeToString(b[:]) + strings.ToLower(path.Ext(fileName)), nil
}

// checkKey rejects keys that could escape the storage root.
func checkKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
