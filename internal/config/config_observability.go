package config

// LoggingConfig is spec.md §6's logging.* configuration surface, carried
// as the ambient logging concern every component configures itself
// through regardless of which domain features are in scope.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}
