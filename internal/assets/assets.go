// Package assets resolves image references to raw bytes. The core only
// holds references; the canonical photos live outside the record store.
package assets

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nmoreaux/cantinad/internal/errs"
)

// Store resolves enrollment-photo references and saves new enrollments.
type Store interface {
	// Read returns the raw image bytes for a reference.
	Read(ctx context.Context, ref string) ([]byte, error)
	// Save stores an enrollment photo and returns its reference.
	Save(ctx context.Context, id, displayName string, data []byte) (string, error)
}

// Dir is a directory-backed asset store. References are file names relative
// to the directory, never absolute paths.
type Dir struct {
	root string
}

// NewDir creates the directory if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create images dir: %w", err)
	}
	return &Dir{root: root}, nil
}

func (d *Dir) Read(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Keep references inside the root.
	name := filepath.Base(filepath.Clean(ref))
	b, err := os.ReadFile(filepath.Join(d.root, name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("asset %q: %w", ref, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read asset %q: %w", ref, err)
	}
	return b, nil
}

// Save writes the photo as "<id>_<safe name>.jpg" and returns that name.
func (d *Dir) Save(ctx context.Context, id, displayName string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%s.jpg", id, safeName(displayName))
	if err := os.WriteFile(filepath.Join(d.root, name), data, 0o644); err != nil {
		return "", fmt.Errorf("save asset: %w", err)
	}
	return name, nil
}

func safeName(s string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "_")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		}
		return -1
	}, s)
}

var _ Store = (*Dir)(nil)
