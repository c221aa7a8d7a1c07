package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/proxy-harvester/internal/types"
)

// ListWriter maintains the per-category list artifact: one host:port per
// line, rewritten in full after every successful validation. A missing
// file means no cycle has completed for that category yet.
type ListWriter struct {
	dir   string
	files map[types.Category]string
}

func NewListWriter(dir string, files map[types.Category]string) (*ListWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create list directory: %w", err)
	}

	names := make(map[types.Category]string, len(types.Categories))
	for _, cat := range types.Categories {
		name := files[cat]
		if name == "" {
			name = "phoenix_" + cat.Slug() + ".txt"
		}
		names[cat] = name
	}

	return &ListWriter{dir: dir, files: names}, nil
}

// Path returns where the category's list lives
func (w *ListWriter) Path(category types.Category) string {
	return filepath.Join(w.dir, w.files[category])
}

// Exists reports whether a list has been written for the category
func (w *ListWriter) Exists(category types.Category) bool {
	_, err := os.Stat(w.Path(category))
	return err == nil
}

func (w *ListWriter) Write(category types.Category, proxies []types.Endpoint) error {
	if !category.Known() {
		return fmt.Errorf("write list: %w: %q", types.ErrUnknownCategory, category)
	}

	var b strings.Builder
	for i, ep := range proxies {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(ep.String())
	}

	if err := writeFileAtomic(w.Path(category), []byte(b.String())); err != nil {
		return fmt.Errorf("write %s list: %w", category, err)
	}
	return nil
}
