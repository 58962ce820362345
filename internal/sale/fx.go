package sale

import (
	"github.com/voyagecrm/affiliate/internal/sale/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sale.service",
	fx.Provide(service.NewService),
)
