package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wolfman30/clinic-platform/pkg/logging"
)

// LocalProvider writes objects below dir and serves them from publicURL.
type LocalProvider struct {
	dir       string
	publicURL string
	logger    *logging.Logger
}

func NewLocalProvider(dir, publicURL string, logger *logging.Logger) (*LocalProvider, error) {
	if logger == nil {
		logger = logging.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create upload dir: %w", err)
	}
	return &LocalProvider{dir: dir, publicURL: strings.TrimRight(publicURL, "/"), logger: logger}, nil
}

func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) path(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return filepath.Join(p.dir, filepath.FromSlash(key)), nil
}

func (p *LocalProvider) Upload(_ context.Context, body io.Reader, info FileInfo, folder string) (*Object, error) {
	key, err := NewKey(folder, info.Name)
	if err != nil {
		return nil, err
	}
	dst, err := p.path(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create folder: %w", err)
	}
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", key, err)
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return nil, fmt.Errorf("storage: write %s: %w", key, err)
	}
	p.logger.Debug("storage: stored object", "provider", p.Name(), "key", key, "size", n)
	return &Object{Key: key, URL: p.publicURL + "/" + key, Size: n, MimeType: info.ContentType, Provider: p.Name()}, nil
}

func (p *LocalProvider) Delete(_ context.Context, key string) error {
	dst, err := p.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// URL returns the public link. Local files do not expire.
func (p *LocalProvider) URL(_ context.Context, key string, _ time.Duration) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	return p.publicURL + "/" + key, nil
}

func (p *LocalProvider) Exists(_ context.Context, key string) (bool, error) {
	dst, err := p.path(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("storage: stat %s: %w", key, err)
	}
	return true, nil
}
