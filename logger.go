package coreipc

import (
	"log/slog"
	"os"
)

// InitLogger configures the global slog logger to output structured JSON
// to stderr. Connections log through the default logger, so call this
// before opening any. Pass a *slog.LevelVar to change the level later.
func InitLogger(level slog.Leveler) {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	slog.SetDefault(slog.New(handler))
}
