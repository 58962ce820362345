package audit

import (
	"github.com/voyagecrm/affiliate/internal/audit/repository"
	"github.com/voyagecrm/affiliate/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
