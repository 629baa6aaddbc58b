package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores artifacts under a base directory.
type Local struct {
	baseDir string
}

// NewLocal creates baseDir when missing.
func NewLocal(baseDir string) (*Local, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &Local{baseDir: abs}, nil
}

func (l *Local) Put(_ context.Context, key string, body io.ReadSeeker, _ string) (string, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return "", err
	}
	target := filepath.Join(l.baseDir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close file: %w", err)
	}
	return l.locator(target), nil
}

func (l *Local) Open(_ context.Context, locator string) (io.ReadCloser, error) {
	p, err := l.resolve(locator)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", locator, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	clean, err := sanitizeKey(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(l.baseDir, filepath.FromSlash(clean))
	var out []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return walkErr
		}
		if !d.IsDir() {
			out = append(out, l.locator(p))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	sort.Strings(out)
	return out, nil
}

func (l *Local) locator(p string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(p)}).String()
}

func (l *Local) resolve(locator string) (string, error) {
	u, err := url.Parse(locator)
	if err != nil || u.Scheme != "file" {
		return "", fmt.Errorf("not a local artifact locator: %q", locator)
	}
	p := filepath.Clean(filepath.FromSlash(u.Path))
	if p != l.baseDir && !strings.HasPrefix(p, l.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("locator %q outside artifact dir", locator)
	}
	return p, nil
}
