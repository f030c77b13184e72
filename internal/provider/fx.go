package provider

import (
	"github.com/outsidersgit/vibephoto-sub003/internal/config"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/adapters"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/adapters/kling"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/adapters/replicate"
	"github.com/outsidersgit/vibephoto-sub003/internal/provider/domain"
	"go.uber.org/fx"
)

func NewRegistry(cfg config.Config) *adapters.Registry {
	registry := adapters.NewRegistry()
	registry.Register(domain.ProviderKling, kling.NewClient(cfg.Providers.KlingBaseURL, cfg.Providers.KlingAPIKey))
	registry.Register(domain.ProviderReplicate, replicate.NewClient(cfg.Providers.ReplicateBaseURL, cfg.Providers.ReplicateAPIKey))
	return registry
}

var Module = fx.Module("provider",
	fx.Provide(NewRegistry),
)
