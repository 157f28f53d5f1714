package config

// SessionConfig is spec.md §6's session.* configuration surface: where the
// session store persists its SQLite database. Multi-channel scoping
// (Slack/Discord DM scoping, identity links, scheduled resets) belongs to
// the gateway-scale deployment this assistant's Non-goals exclude.
type SessionConfig struct {
	DatabasePath string `yaml:"database_path"`
}
