package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/gabriel-vasile/mimetype"

	"github.com/symposium-app/backend/internal/infrastructure/logging"
)

// File serves the file.* namespace. All paths are jailed to the workspace
// root; escape attempts fail before touching the filesystem.
type File struct {
	root string
	log  *logging.Logger
}

// NewFile creates the handler, ensuring the workspace root exists.
func NewFile(root string, log *logging.Logger) (*File, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &File{root: abs, log: log.Named("file")}, nil
}

// Execute dispatches file verbs.
func (f *File) Execute(ctx context.Context, verb string, params map[string]any) (any, error) {
	switch verb {
	case "read":
		return f.read(params)
	case "write":
		return f.write(params)
	case "delete":
		return f.remove(params)
	case "list":
		return f.list(ctx, params)
	case "info":
		return f.info(params)
	case "exists":
		return f.exists(params)
	default:
		return nil, fmt.Errorf("unknown file verb %q", verb)
	}
}

// resolve jails a user path under the workspace root.
func (f *File) resolve(userPath string) (string, error) {
	cleaned := filepath.Clean("/" + userPath)
	full := filepath.Join(f.root, cleaned)
	if full != f.root && !strings.HasPrefix(full, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace", userPath)
	}
	return full, nil
}

func (f *File) read(params map[string]any) (any, error) {
	path, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", path, err)
	}
	return map[string]any{"content": string(data), "size": len(data)}, nil
}

func (f *File) write(params map[string]any) (any, error) {
	path, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	content, ok := params["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content parameter required")
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent dirs: %w", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write %q: %w", path, err)
	}
	return map[string]any{"written": len(content)}, nil
}

func (f *File) remove(params map[string]any) (any, error) {
	path, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := os.Remove(full); err != nil {
		return nil, fmt.Errorf("failed to delete %q: %w", path, err)
	}
	return map[string]any{"deleted": true}, nil
}

// list returns directory entries. An optional doublestar pattern filters
// names; recursive listing walks with fastwalk.
func (f *File) list(ctx context.Context, params map[string]any) (any, error) {
	dir := optStrParam(params, "path")
	pattern := optStrParam(params, "pattern")
	recursive := boolParam(params, "recursive")

	full, err := f.resolve(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	if recursive {
		var mu sync.Mutex
		conf := fastwalk.Config{Follow: false}
		err = fastwalk.Walk(&conf, full, func(path string, d os.DirEntry, err error) error {
			if err != nil || path == full {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			rel, relErr := filepath.Rel(full, path)
			if relErr != nil {
				return nil
			}
			mu.Lock()
			names = append(names, rel)
			mu.Unlock()
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %q: %w", dir, err)
		}
	} else {
		entries, err := os.ReadDir(full)
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", dir, err)
		}
		for _, e := range entries {
			names = append(names, e.Name())
		}
	}

	if pattern != "" {
		filtered := names[:0]
		for _, name := range names {
			if ok, _ := doublestar.Match(pattern, filepath.ToSlash(name)); ok {
				filtered = append(filtered, name)
			}
		}
		names = filtered
	}
	sort.Strings(names)
	return map[string]any{"entries": names, "count": len(names)}, nil
}

func (f *File) info(params map[string]any) (any, error) {
	path, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(full)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %q: %w", path, err)
	}

	out := map[string]any{
		"name":     st.Name(),
		"size":     st.Size(),
		"is_dir":   st.IsDir(),
		"modified": st.ModTime(),
	}
	if !st.IsDir() {
		if mt, err := mimetype.DetectFile(full); err == nil {
			out["mime_type"] = mt.String()
		}
	}
	return out, nil
}

func (f *File) exists(params map[string]any) (any, error) {
	path, err := strParam(params, "path")
	if err != nil {
		return nil, err
	}
	full, err := f.resolve(path)
	if err != nil {
		return nil, err
	}
	_, err = os.Stat(full)
	return map[string]any{"exists": err == nil}, nil
}
