package processor

import (
	"context"
	"time"

	"github.com/smallbiznis/cobro/internal/config"
	obsmetrics "github.com/smallbiznis/cobro/internal/observability/metrics"
	"github.com/smallbiznis/cobro/internal/processor/domain"
	"github.com/smallbiznis/cobro/internal/processor/isocode"
	"github.com/smallbiznis/cobro/internal/processor/kushki"
	"github.com/smallbiznis/cobro/internal/processor/sandbox"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("processor",
	fx.Provide(func(metrics *obsmetrics.Metrics) *Registry {
		return NewRegistry(
			kushki.NewFactory(metrics),
			sandbox.NewFactory(),
		)
	}),
	fx.Provide(NewProcessor),
	fx.Provide(
		func(p domain.Processor) domain.Tokenizer { return p },
		func(p domain.Processor) domain.Provisioner { return p },
		func(p domain.Processor) domain.Charger { return p },
	),
	fx.Provide(NewISOTable),
	fx.Provide(func(t *isocode.Table) isocode.Resolver { return t }),
)

func NewProcessor(registry *Registry, cfg config.Config, holder *config.CollectionsConfigHolder, log *zap.Logger) (domain.Processor, error) {
	provider := cfg.Processor.Provider
	p, err := registry.New(provider, domain.Config{
		BaseURL:           cfg.Processor.BaseURL,
		PublicMerchantID:  cfg.Processor.PublicMerchantID,
		PrivateMerchantID: cfg.Processor.PrivateMerchantID,
		DefaultCurrency:   holder.Get().DefaultCurrency,
		Timeout:           cfg.Processor.Timeout,
	})
	if err != nil {
		return nil, err
	}
	if cfg.IsProduction() && p.Name() == "sandbox" {
		log.Warn("sandbox processor selected in production")
	}
	log.Info("processor configured", zap.String("provider", p.Name()), zap.Duration("timeout", cfg.Processor.Timeout))
	return p, nil
}

// NewISOTable builds the code table and loads the iso_codes rows. A failed
// load keeps the built-in messages.
func NewISOTable(db *gorm.DB, holder *config.CollectionsConfigHolder, log *zap.Logger) *isocode.Table {
	table := isocode.NewTable(func() map[string]string { return holder.Get().ISOMessages })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := table.Load(ctx, isocode.NewRepository(db)); err != nil {
		log.Warn("iso code table not loaded, using built-in messages", zap.Error(err))
	}
	return table
}
