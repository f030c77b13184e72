package ledger

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(service.NewService),
)
