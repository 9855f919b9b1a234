package tunegen

import "go.uber.org/fx"

var Module = fx.Module("providers.tunegen",
	fx.Provide(NewClient),
)
