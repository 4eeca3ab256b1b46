package schedule

import (
	"github.com/smallbiznis/cobro/internal/config"
	"github.com/smallbiznis/cobro/internal/schedule/repository"
	"github.com/smallbiznis/cobro/internal/schedule/service"
	"github.com/smallbiznis/cobro/pkg/cardvault"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("schedule.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(NewVault),
)

// devVaultSecret only applies outside production when CARD_VAULT_KEY is unset.
const devVaultSecret = "cobro-development-card-vault"

func NewVault(cfg config.Config, log *zap.Logger) (*cardvault.Vault, error) {
	if cfg.CardVaultKey == "" && !cfg.IsProduction() {
		log.Warn("CARD_VAULT_KEY not set, sealing cards with the development key")
		return cardvault.New(devVaultSecret)
	}
	return cardvault.New(cfg.CardVaultKey)
}
