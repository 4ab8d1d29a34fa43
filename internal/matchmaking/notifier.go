package matchmaking

import (
	"context"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"go.uber.org/zap"
)

// BalanceReader reads both counters of a user's account.
type BalanceReader interface {
	Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error)
}

// RegistryNotifier pushes BALANCE_UPDATE to every open connection of a user.
type RegistryNotifier struct {
	registry *Registry
	balances BalanceReader
	logger   *zap.Logger
}

// NewRegistryNotifier returns a notifier over registry.
func NewRegistryNotifier(registry *Registry, balances BalanceReader, logger *zap.Logger) *RegistryNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegistryNotifier{registry: registry, balances: balances, logger: logger}
}

// BalanceChanged implements BalanceNotifier.
func (notifier *RegistryNotifier) BalanceChanged(ctx context.Context, userID ledger.UserID) {
	participants := notifier.registry.ByUser(userID)
	if len(participants) == 0 {
		return
	}
	balance, err := notifier.balances.Balance(ctx, userID)
	if err != nil {
		notifier.logger.Warn("balance refresh failed", zap.String("user_id", userID.String()), zap.Error(err))
		return
	}
	message := BalanceMessage(balance)
	for _, participant := range participants {
		if err := participant.Send(message); err != nil {
			notifier.logger.Debug("balance update undeliverable",
				zap.String("connection_id", string(participant.ConnectionID)),
				zap.Error(err),
			)
		}
	}
}
