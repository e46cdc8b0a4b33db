// backend/src/providers/factory.go
package providers

import (
	"fmt"

	"github.com/username/kontoflow/backend/src/config"
)

func GetProvider(cfg *config.AppConfig) (Provider, error) {
	switch cfg.BankProvider {
	case "enablebanking":
		return NewEnableBankingClient(cfg)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("no bank provider available for: %s", cfg.BankProvider)
	}
}
