package config

import "go.uber.org/fx"

// Module wires configuration loading for the application.
var Module = fx.Module("config",
	fx.Provide(Load),
)
