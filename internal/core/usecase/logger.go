package usecase

import "github.com/rs/zerolog"

func componentLogger(base *zerolog.Logger, component string) *zerolog.Logger {
	if base == nil {
		nop := zerolog.Nop()
		base = &nop
	}
	l := base.With().Str("component", component).Logger()
	return &l
}
