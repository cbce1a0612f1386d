// Package workspace hands out single-use directories, one per execution.
package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	appErr "execbox/pkg/errors"
	"execbox/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const dirPrefix = "ws-"

// Workspace is a directory owned by exactly one in-flight request.
type Workspace struct {
	ID   string
	Root string

	once    sync.Once
	release error
}

// Path joins name onto the workspace root and rejects escapes.
func (w *Workspace) Path(name string) (string, error) {
	clean := filepath.Clean(name)
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.ValidationError("file_name", "must stay inside the workspace")
	}
	return filepath.Join(w.Root, clean), nil
}

// WriteFile stores data under name inside the workspace.
func (w *Workspace) WriteFile(name string, data []byte) (string, error) {
	path, err := w.Path(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "create source dir failed")
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", appErr.Wrapf(err, appErr.WorkspaceFailed, "write source file failed")
	}
	return path, nil
}

// Manager allocates and removes workspaces under a fixed base directory.
type Manager struct {
	base string
}

// NewManager creates base when missing.
func NewManager(base string) (*Manager, error) {
	if base == "" {
		base = filepath.Join(os.TempDir(), "execbox")
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("create workspace base: %w", err)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace base: %w", err)
	}
	return &Manager{base: abs}, nil
}

// Base returns the directory workspaces are created under.
func (m *Manager) Base() string {
	return m.base
}

// Acquire creates a fresh directory named from the current time and a random
// token, so concurrent requests never collide.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "acquire workspace canceled")
	}
	id := strconv.FormatInt(time.Now().UnixNano(), 36) + "-" + uuid.NewString()
	root := filepath.Join(m.base, dirPrefix+id)
	if err := os.Mkdir(root, 0755); err != nil {
		return nil, appErr.Wrapf(err, appErr.WorkspaceFailed, "create workspace failed")
	}
	logger.Debug(ctx, "workspace acquired", zap.String("workspace", root))
	return &Workspace{ID: id, Root: root}, nil
}

// Release removes the workspace tree. Only the first call does any work;
// later calls return the first result.
func (m *Manager) Release(ctx context.Context, ws *Workspace) error {
	if ws == nil {
		return nil
	}
	ws.once.Do(func() {
		if !m.owns(ws.Root) {
			ws.release = fmt.Errorf("workspace %q is outside %q", ws.Root, m.base)
			return
		}
		if err := makeWritable(ws.Root); err != nil {
			logger.Debug(ctx, "restore workspace permissions failed", zap.String("workspace", ws.Root), zap.Error(err))
		}
		if err := os.RemoveAll(ws.Root); err != nil {
			ws.release = appErr.Wrapf(err, appErr.WorkspaceFailed, "remove workspace failed")
			return
		}
		logger.Debug(ctx, "workspace released", zap.String("workspace", ws.Root))
	})
	return ws.release
}

// Count returns the number of live workspaces.
func (m *Manager) Count() (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), dirPrefix) {
			n++
		}
	}
	return n, nil
}

// Sweep removes workspaces older than maxAge, left behind by a crashed
// process. It returns how many were removed.
func (m *Manager) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.base)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), dirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.base, e.Name())
		_ = makeWritable(path)
		if err := os.RemoveAll(path); err != nil {
			logger.Warn(ctx, "sweep workspace failed", zap.String("workspace", path), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (m *Manager) owns(root string) bool {
	rel, err := filepath.Rel(m.base, root)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !strings.Contains(rel, string(filepath.Separator))
}

// makeWritable restores owner write/exec bits on directories so a child that
// chmod-ed its files read-only cannot block removal.
func makeWritable(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			info, err := d.Info()
			if err == nil && info.Mode().Perm()&0700 != 0700 {
				_ = os.Chmod(path, info.Mode().Perm()|0700)
			}
		}
		return nil
	})
}
