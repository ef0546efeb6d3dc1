package logging

import (
	"log/slog"
	"os"
)

// New returns a JSON structured logger. Debug level is enabled outside
// production so local runs show pipeline transitions.
func New(appEnv string) *slog.Logger {
	level := slog.LevelInfo
	if appEnv == "local" || appEnv == "dev" {
		level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}
