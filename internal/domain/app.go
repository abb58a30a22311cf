package domain

import (
	"strings"
	"time"
)

// Status enumerates application lifecycle states.
type Status string

const (
	StatusBuilding Status = "building"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusBuilding, StatusRunning, StatusStopped, StatusError:
		return true
	}
	return false
}

// Application is one deployable unit managed by the orchestrator.
type Application struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	RepoURL      string            `json:"repoUrl"`
	Branch       string            `json:"branch"`
	BuildCommand string            `json:"buildCommand"`
	StartCommand string            `json:"startCommand"`
	Port         int               `json:"port"`
	Domain       string            `json:"domain"`
	Env          map[string]string `json:"env,omitempty"`
	Status       Status            `json:"status"`
	LastDeployed time.Time         `json:"lastDeployed,omitzero"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// Slugify derives a stable identifier from a human label: lowercase,
// non-alphanumeric runs collapsed to a single dash, no leading or
// trailing dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
