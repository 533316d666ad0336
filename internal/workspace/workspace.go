// Package workspace implements the WorkspaceManager component: a per-task
// file sandbox rooted at <workspacesDir>/<taskId>/. Path-safety is grounded
// on the teacher's internal/tools/files/resolver.go Resolver.Resolve, which
// rejects any relative path whose cleaned form escapes the root via
// filepath.Rel.
package workspace

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentsociety/orchestrator/internal/domain"
	"github.com/agentsociety/orchestrator/internal/orcherr"
)

// Manager roots every task's workspace under a single base directory.
type Manager struct {
	baseDir string
	logger  *slog.Logger
}

// New creates a Manager rooted at baseDir. The base directory itself is
// created eagerly; individual task workspaces are created lazily on first
// write, per the contract.
func New(baseDir string, logger *slog.Logger) (*Manager, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{baseDir: baseDir, logger: logger}, nil
}

// taskRoot returns the (uncreated) root directory for a taskId.
func (m *Manager) taskRoot(taskID string) string {
	return filepath.Join(m.baseDir, taskID)
}

// resolve validates relPath against the task's root and returns its
// absolute on-disk location. It never creates anything.
func (m *Manager) resolve(taskID, relPath string) (string, error) {
	clean := strings.TrimSpace(relPath)
	if clean == "" {
		return "", orcherr.New(orcherr.CodeInvalidPath, "relPath is required")
	}
	rootAbs, err := filepath.Abs(m.taskRoot(taskID))
	if err != nil {
		return "", orcherr.Wrap(orcherr.CodeInvalidPath, "resolve workspace root", err)
	}

	var target string
	if filepath.IsAbs(clean) || isDriveQualified(clean) {
		return "", orcherr.New(orcherr.CodePathTraversalBlocked, "absolute paths are not allowed")
	}
	target = filepath.Join(rootAbs, clean)

	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", orcherr.Wrap(orcherr.CodeInvalidPath, "resolve path", err)
	}
	rel, err := filepath.Rel(rootAbs, targetAbs)
	if err != nil {
		return "", orcherr.Wrap(orcherr.CodeInvalidPath, "resolve path", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", orcherr.New(orcherr.CodePathTraversalBlocked, "path escapes workspace")
	}
	return targetAbs, nil
}

// isDriveQualified reports whether p looks like a Windows drive-qualified
// path (e.g. "C:\\foo"), which must be rejected regardless of host OS so
// the contract is portable across the platforms this runtime targets.
func isDriveQualified(p string) bool {
	if len(p) < 2 {
		return false
	}
	c := p[0]
	return p[1] == ':' && ((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'))
}

// GetWorkspace reports whether a workspace for taskID has been created,
// without creating one itself.
func (m *Manager) GetWorkspace(taskID string) (exists bool, root string) {
	root = m.taskRoot(taskID)
	info, err := os.Stat(root)
	return err == nil && info.IsDir(), root
}

// CreateWorkspace eagerly creates the root directory for taskID.
func (m *Manager) CreateWorkspace(taskID string) error {
	return os.MkdirAll(m.taskRoot(taskID), 0o755)
}

// WriteFile writes content at relPath within taskID's workspace, creating
// the workspace root and any missing parent directories as needed.
func (m *Manager) WriteFile(taskID, relPath string, content []byte) error {
	abs, err := m.resolve(taskID, relPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}
	tmp := abs + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, abs); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// ReadFile reads relPath within taskID's workspace.
func (m *Manager) ReadFile(taskID, relPath string) ([]byte, error) {
	abs, err := m.resolve(taskID, relPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, orcherr.New(orcherr.CodeFileNotFound, relPath)
		}
		return nil, err
	}
	return data, nil
}

// ListFiles lists entries under relPath (default ".") within taskID's
// workspace. A never-written workspace yields an empty list, not an error.
func (m *Manager) ListFiles(taskID, relPath string) ([]string, error) {
	if relPath == "" {
		relPath = "."
	}
	abs, err := m.resolve(taskID, relPath)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	return names, nil
}

// GetWorkspaceInfo walks taskID's workspace tree and summarizes it.
func (m *Manager) GetWorkspaceInfo(taskID string) (domain.WorkspaceInfo, error) {
	root := m.taskRoot(taskID)
	info := domain.WorkspaceInfo{}
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == root {
				return filepath.SkipDir
			}
			return err
		}
		if path == root {
			return nil
		}
		if d.IsDir() {
			info.DirCount++
			return nil
		}
		info.FileCount++
		if fi, ferr := d.Info(); ferr == nil {
			info.TotalSize += fi.Size()
			if fi.ModTime().After(info.LastModified) {
				info.LastModified = fi.ModTime()
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return info, err
	}
	if info.LastModified.IsZero() {
		info.LastModified = time.Time{}
	}
	return info, nil
}
