package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// CommissionRates is one immutable snapshot of the configured revenue split.
// All rates are basis points (10000 = 100%) applied to a sale's net revenue.
// The HQ share is never configured directly: HQ receives the remainder after
// agent and manager commissions, which keeps the split conservative by
// construction. The exact percentages are a business decision and live in a
// rates file, never in code.
type CommissionRates struct {
	AgentRateBp    int64 `mapstructure:"agent_rate_bp"`
	BranchRateBp   int64 `mapstructure:"branch_rate_bp"`
	OverrideRateBp int64 `mapstructure:"override_rate_bp"`
}

func (r CommissionRates) Validate() error {
	if r.AgentRateBp < 0 || r.BranchRateBp < 0 || r.OverrideRateBp < 0 {
		return fmt.Errorf("commission rates must not be negative: %+v", r)
	}
	if total := r.AgentRateBp + r.BranchRateBp + r.OverrideRateBp; total > 10000 {
		return fmt.Errorf("commission rates exceed 100%%: %d bp", total)
	}
	return nil
}

// DefaultCommissionRates mirrors the split used before rates became a file.
func DefaultCommissionRates() CommissionRates {
	return CommissionRates{
		AgentRateBp:    3000,
		BranchRateBp:   1500,
		OverrideRateBp: 500,
	}
}

// Rates serves commission-rate snapshots and hot-reloads them when the
// underlying file changes.
type Rates struct {
	mu      sync.RWMutex
	current CommissionRates
	log     *zap.Logger
}

func NewRates(cfg Config, log *zap.Logger) (*Rates, error) {
	r := &Rates{
		current: DefaultCommissionRates(),
		log:     log.Named("config.rates"),
	}
	if cfg.RatesFile == "" {
		return r, nil
	}

	v := viper.New()
	v.SetConfigFile(cfg.RatesFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read commission rates %s: %w", cfg.RatesFile, err)
	}
	loaded, err := decodeRates(v)
	if err != nil {
		return nil, err
	}
	r.current = loaded

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded, err := decodeRates(v)
		if err != nil {
			r.log.Warn("ignoring invalid commission rate change",
				zap.String("file", e.Name),
				zap.Error(err),
			)
			return
		}
		r.mu.Lock()
		r.current = reloaded
		r.mu.Unlock()
		r.log.Info("commission rates reloaded",
			zap.Int64("agent_rate_bp", reloaded.AgentRateBp),
			zap.Int64("branch_rate_bp", reloaded.BranchRateBp),
			zap.Int64("override_rate_bp", reloaded.OverrideRateBp),
		)
	})
	v.WatchConfig()

	return r, nil
}

func decodeRates(v *viper.Viper) (CommissionRates, error) {
	rates := DefaultCommissionRates()
	if err := v.UnmarshalKey("commission", &rates); err != nil {
		return CommissionRates{}, fmt.Errorf("decode commission rates: %w", err)
	}
	if err := rates.Validate(); err != nil {
		return CommissionRates{}, err
	}
	return rates, nil
}

// Snapshot returns the rates in effect right now. Callers must not retain the
// snapshot across requests; ledger generation reads it once per sale.
func (r *Rates) Snapshot() CommissionRates {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}
