// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	Development bool
	Service     string
	Version     string
}

// New builds a zap.Logger configured for development or production. Every
// entry carries the service name and version when they are set.
func New(opts Options) (*zap.Logger, error) {
	var (
		cfg  zap.Config
		kind string
	)
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		kind = "dev"
	} else {
		cfg = zap.NewProductionConfig()
		cfg.DisableStacktrace = false
		kind = "prod"
	}
	cfg.EncoderConfig.TimeKey = "ts"
	fields := map[string]any{}
	if opts.Service != "" {
		fields["service"] = opts.Service
	}
	if opts.Version != "" {
		fields["version"] = opts.Version
	}
	if len(fields) > 0 {
		cfg.InitialFields = fields
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build %s logger: %w", kind, err)
	}
	return logger, nil
}

// JobFields returns the standard fields attached to job-scoped log entries.
func JobFields(jobID, site, target string) []zap.Field {
	fields := []zap.Field{zap.String("job_id", jobID)}
	if site != "" {
		fields = append(fields, zap.String("site", site))
	}
	if target != "" {
		fields = append(fields, zap.String("target_url", target))
	}
	return fields
}
