package quecho

import "github.com/rs/zerolog"

// The library does not log unless InitLogging is called.
var (
	endpointLogger = zerolog.Nop()
	connLogger     = zerolog.Nop()
	streamLogger   = zerolog.Nop()
	trustLogger    = zerolog.Nop()
	clientLogger   = zerolog.Nop()
)

// InitLogging derives the module loggers from base. Call it before Bind.
func InitLogging(base zerolog.Logger) {
	endpointLogger = base.With().Str("module", "endpoint").Logger()
	connLogger = base.With().Str("module", "conn").Logger()
	streamLogger = base.With().Str("module", "stream").Logger()
	trustLogger = base.With().Str("module", "trust").Logger()
	clientLogger = base.With().Str("module", "client").Logger()
}
