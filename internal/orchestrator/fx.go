package orchestrator

import (
	callbackdomain "github.com/soundloom/tunesmith/internal/callback/domain"
	"github.com/soundloom/tunesmith/internal/orchestrator/domain"
	"github.com/soundloom/tunesmith/internal/orchestrator/service"
	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator",
	fx.Provide(
		fx.Annotate(
			service.NewService,
			fx.As(new(domain.Service)),
			fx.As(new(callbackdomain.CoverDispatcher)),
		),
	),
)
