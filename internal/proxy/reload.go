package proxy

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Reloader signals the reverse proxy to pick up a new configuration.
type Reloader interface {
	Reload(ctx context.Context) error
	Close() error
}

// commandReloader shells out to a reload command such as
// "nginx -s reload".
type commandReloader struct {
	command string
}

// NewCommandReloader wraps a shell reload command.
func NewCommandReloader(command string) (Reloader, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("reload command required")
	}
	return &commandReloader{command: command}, nil
}

func (r *commandReloader) Reload(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("proxy reload failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (r *commandReloader) Close() error { return nil }
