package domain

// Settings holds operator-tunable behavior persisted alongside the
// registry. The webhook secret lives in its own file and is carried
// here only for API round-trips.
type Settings struct {
	BaseDomain          string `json:"baseDomain"`
	WebhookSecret       string `json:"webhookSecret,omitempty"`
	AutoRestart         bool   `json:"autoRestart"`
	MaxConcurrentBuilds int    `json:"maxConcurrentBuilds"`
	LogRetentionDays    int    `json:"logRetentionDays"`
	DefaultBranch       string `json:"defaultBranch"`
	ProxyEnabled        bool   `json:"proxyEnabled"`
}

// DefaultSettings returns the settings applied on first start.
func DefaultSettings() Settings {
	return Settings{
		BaseDomain:          "localhost",
		AutoRestart:         true,
		MaxConcurrentBuilds: 2,
		LogRetentionDays:    14,
		DefaultBranch:       "main",
		ProxyEnabled:        true,
	}
}
