package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// BuildLogs stores one plain-text build log per application id, fully
// overwritten on each deploy.
type BuildLogs struct {
	dir string
}

// NewBuildLogs ensures the log directory exists.
func NewBuildLogs(dir string) (*BuildLogs, error) {
	if dir == "" {
		return nil, fmt.Errorf("log directory cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	return &BuildLogs{dir: dir}, nil
}

// Write replaces the build log for id.
func (b *BuildLogs) Write(id string, content string) error {
	return os.WriteFile(b.path(id), []byte(content), 0o644)
}

// Append adds a trailing note to the build log for id, creating it if
// absent.
func (b *BuildLogs) Append(id string, content string) error {
	f, err := os.OpenFile(b.path(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// Read returns the persisted build log verbatim; a missing log reads as
// empty.
func (b *BuildLogs) Read(id string) (string, error) {
	data, err := os.ReadFile(b.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	return string(data), nil
}

// Remove deletes the build log for id.
func (b *BuildLogs) Remove(id string) error {
	err := os.Remove(b.path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *BuildLogs) path(id string) string {
	return filepath.Join(b.dir, id+".log")
}
