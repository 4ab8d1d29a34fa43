package gameserver

import (
	"context"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
	"go.uber.org/zap"
)

// ZapOperationLogger writes ledger operations to a zap logger.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wraps logger; nil selects a no-op logger.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.String("balance_kind", entry.BalanceKind.String()),
		zap.String("entry_type", entry.EntryType.String()),
		zap.Int64("amount_minor", entry.Amount.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
		zap.String("status", entry.Status),
	}
	if entry.SessionID != nil {
		fields = append(fields, zap.String("session_id", entry.SessionID.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
