package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger returns the global logger tagged with app. logging.Configure
// must have installed the global logger first.
func InitLogger(app string) zerolog.Logger {
	return log.Logger.With().Str("app_role", app).Logger()
}

// Component returns a child of the global logger for one subsystem.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}
