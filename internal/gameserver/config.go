package gameserver

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wager/pkg/ledger"
)

const (
	defaultListenAddr           = ":8080"
	defaultGRPCListenAddr       = ":7001"
	defaultAllowedOrigin        = "http://localhost:8000"
	defaultSessionIssuer        = "tauth"
	defaultSessionCookie        = "app_session"
	defaultResolveDelay         = 2 * time.Second
	defaultLedgerTimeout        = 3 * time.Second
	defaultWriteTimeout         = 5 * time.Second
	defaultHouseBootstrapAmount = "10"
	defaultEventLoopCapacity    = 256
	walletHistoryLimit          = 10
)

// Config aggregates runtime settings for the game server.
type Config struct {
	ListenAddr           string
	GRPCListenAddr       string
	AllowedOrigins       []string
	SessionSigningKey    string
	SessionIssuer        string
	SessionCookieName    string
	ResolveDelay         time.Duration
	QueueIdleTimeout     time.Duration
	LedgerTimeout        time.Duration
	WriteTimeout         time.Duration
	HouseBootstrapAmount string
	EventLoopCapacity    int
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.GRPCListenAddr = defaultIfEmpty(cfg.GRPCListenAddr, defaultGRPCListenAddr)
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	if cfg.ResolveDelay <= 0 {
		cfg.ResolveDelay = defaultResolveDelay
	}
	if cfg.LedgerTimeout <= 0 {
		cfg.LedgerTimeout = defaultLedgerTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.EventLoopCapacity <= 0 {
		cfg.EventLoopCapacity = defaultEventLoopCapacity
	}
	cfg.HouseBootstrapAmount = defaultIfEmpty(cfg.HouseBootstrapAmount, defaultHouseBootstrapAmount)
	if cfg.QueueIdleTimeout < 0 {
		return fmt.Errorf("queue idle timeout must not be negative")
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if _, err := cfg.HouseBootstrapMinor(); err != nil {
		return fmt.Errorf("house bootstrap amount: %w", err)
	}
	return nil
}

// HouseBootstrapMinor converts the configured grant to minor units.
func (cfg *Config) HouseBootstrapMinor() (ledger.PositiveAmountMinor, error) {
	return ledger.ParseStake(cfg.HouseBootstrapAmount)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
