package customer

import (
	"github.com/smallbiznis/cobro/internal/customer/repository"
	"github.com/smallbiznis/cobro/internal/customer/service"
	"go.uber.org/fx"
)

// Module keeps the repository private. Schedules and uploads reach customers
// only through the service, which owns email normalization and card hints.
var Module = fx.Module("customer",
	fx.Provide(fx.Private, repository.Provide),
	fx.Provide(service.New),
)
