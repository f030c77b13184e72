package balance

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/balance/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("balance",
	fx.Provide(repository.Provide),
)
