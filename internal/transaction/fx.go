package transaction

import (
	"github.com/smallbiznis/cobro/internal/report"
	"github.com/smallbiznis/cobro/internal/transaction/repository"
	"github.com/smallbiznis/cobro/internal/transaction/service"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func() report.Renderer { return report.NewPDFRenderer() }),
)
