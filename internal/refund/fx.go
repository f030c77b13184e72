package refund

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/refund/service"
	"go.uber.org/fx"
)

var Module = fx.Module("refund.service",
	fx.Provide(service.NewService),
)
