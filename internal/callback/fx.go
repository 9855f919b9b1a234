package callback

import (
	"github.com/soundloom/tunesmith/internal/callback/service"
	"go.uber.org/fx"
)

var Module = fx.Module("callback",
	fx.Provide(service.NewService),
)
