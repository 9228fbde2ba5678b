// Package logging builds the zap logger shared by the engine, server and CLI.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"datameta/internal/config"
)

// New returns a logger configured from cfg. A nil cfg or an invalid level
// falls back to the production defaults.
func New(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg != nil && cfg.Log.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg != nil && cfg.Log.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	zcfg.OutputPaths = []string{"stderr"}
	return zcfg.Build()
}

// Must is New with a no-op logger in place of a failure.
func Must(cfg *config.Config) *zap.Logger {
	log, err := New(cfg)
	if err != nil {
		return zap.NewNop()
	}
	return log
}
