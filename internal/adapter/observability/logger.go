package observability

import (
	"log/slog"
	"os"

	"github.com/forgestack/agentd/internal/config"
)

// SetupLogger builds the process logger: JSON to stdout with service and env
// attrs on every line. Dev gets debug level, test gets warn to keep suite
// output readable, everything else runs at info.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch {
	case cfg.IsDev():
		opts.Level = slog.LevelDebug
	case cfg.IsTest():
		opts.Level = slog.LevelWarn
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
