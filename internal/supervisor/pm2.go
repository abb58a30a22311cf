package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// PM2 drives the pm2 CLI.
type PM2 struct {
	bin string
}

// NewPM2 returns a Supervisor backed by the pm2 binary.
func NewPM2(bin string) *PM2 {
	if strings.TrimSpace(bin) == "" {
		bin = "pm2"
	}
	return &PM2{bin: bin}
}

// Start registers spec under its name, replacing a previous instance.
func (p *PM2) Start(ctx context.Context, spec ProcessSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("process name required")
	}
	// pm2 start errors on duplicate names; drop the old instance first.
	_, _ = p.run(ctx, nil, "delete", spec.Name)

	if spec.StaticDir != "" {
		args := []string{"serve", spec.StaticDir, strconv.Itoa(spec.Port), "--name", spec.Name, "--spa"}
		if out, err := p.run(ctx, spec.Env, args...); err != nil {
			return fmt.Errorf("pm2 serve %s: %w: %s", spec.Name, err, out)
		}
		return nil
	}
	if strings.TrimSpace(spec.Command) == "" {
		return fmt.Errorf("start command required for %s", spec.Name)
	}
	env := spec.Env
	if spec.Port > 0 {
		env = mergeEnv(env, map[string]string{"PORT": strconv.Itoa(spec.Port)})
	}
	args := []string{"start", spec.Command, "--name", spec.Name, "--update-env"}
	if spec.Dir != "" {
		args = append(args, "--cwd", spec.Dir)
	}
	if out, err := p.run(ctx, env, args...); err != nil {
		return fmt.Errorf("pm2 start %s: %w: %s", spec.Name, err, out)
	}
	return nil
}

// Resume restarts a previously registered process by name.
func (p *PM2) Resume(ctx context.Context, name string) error {
	if out, err := p.run(ctx, nil, "start", name); err != nil {
		return fmt.Errorf("pm2 start %s: %w: %s", name, err, out)
	}
	return nil
}

// Stop halts the named process without unregistering it.
func (p *PM2) Stop(ctx context.Context, name string) error {
	if out, err := p.run(ctx, nil, "stop", name); err != nil {
		return fmt.Errorf("pm2 stop %s: %w: %s", name, err, out)
	}
	return nil
}

// Delete unregisters the named process entirely.
func (p *PM2) Delete(ctx context.Context, name string) error {
	out, err := p.run(ctx, nil, "delete", name)
	if err != nil {
		// Deleting an unknown process is a no-op.
		if strings.Contains(out, "not found") {
			return nil
		}
		return fmt.Errorf("pm2 delete %s: %w: %s", name, err, out)
	}
	return nil
}

// List reports the supervisor's managed processes.
func (p *PM2) List(ctx context.Context) ([]ProcessInfo, error) {
	out, err := p.run(ctx, nil, "jlist")
	if err != nil {
		return nil, fmt.Errorf("pm2 jlist: %w: %s", err, out)
	}
	var entries []struct {
		Name   string `json:"name"`
		PM2Env struct {
			Status string `json:"status"`
		} `json:"pm2_env"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		return nil, fmt.Errorf("decode pm2 jlist: %w", err)
	}
	infos := make([]ProcessInfo, 0, len(entries))
	for _, e := range entries {
		infos = append(infos, ProcessInfo{Name: e.Name, Status: e.PM2Env.Status})
	}
	return infos, nil
}

func (p *PM2) run(ctx context.Context, env map[string]string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.bin, args...)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	output, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(output)), err
}

func mergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
