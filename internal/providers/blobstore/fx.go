package blobstore

import "go.uber.org/fx"

var Module = fx.Module("providers.blobstore",
	fx.Provide(NewStore),
)
