package job

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/job/repository"
	"github.com/outsidersgit/vibephoto-sub003/internal/job/service"
	"go.uber.org/fx"
)

var Module = fx.Module("job",
	fx.Provide(
		repository.Provide,
		service.NewService,
	),
)
