package supervisor

import "context"

// ProcessSpec describes one long-running application process handed to
// the supervisor. When StaticDir is set the supervisor serves that
// directory on Port instead of executing Command.
type ProcessSpec struct {
	Name      string
	Dir       string
	Command   string
	StaticDir string
	Env       map[string]string
	Port      int
}

// ProcessInfo is the supervisor's view of one managed process.
type ProcessInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Supervisor keeps application processes running across crashes and
// reboots. Start replaces any previous instance registered under the
// same name.
type Supervisor interface {
	Start(ctx context.Context, spec ProcessSpec) error
	Resume(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context) ([]ProcessInfo, error)
}
