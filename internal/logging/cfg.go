package logging

import (
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the configuration for the logging subsystem.
type Config struct {
	// Level is the logging level.
	Level zapcore.Level `yaml:"level"`
}

// UnmarshalYAML accepts the usual textual level names ("debug", "info",
// ...); yaml.v3 decodes scalars without consulting
// encoding.TextUnmarshaler, so the parse is done here.
func (c *Config) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Level string `yaml:"level"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	if raw.Level == "" {
		return nil
	}
	level, err := zapcore.ParseLevel(raw.Level)
	if err != nil {
		return err
	}
	c.Level = level
	return nil
}
