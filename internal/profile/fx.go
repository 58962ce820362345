package profile

import (
	"github.com/voyagecrm/affiliate/internal/profile/repository"
	"github.com/voyagecrm/affiliate/internal/profile/service"
	"go.uber.org/fx"
)

var Module = fx.Module("profile.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
