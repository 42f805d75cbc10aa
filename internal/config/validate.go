package config

import (
	"errors"
	"fmt"
	"strconv"
)

// Validate checks that all values are usable.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.HTTP.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("http.port must be 1-65535, got %q", c.HTTP.Port)
	}
	if c.HTTP.TradeRateLimit < 0 {
		return errors.New("http.trade_rate_limit must be >= 0")
	}
	if c.HTTP.TradeBurst < 1 {
		return errors.New("http.trade_burst must be >= 1")
	}

	e := c.Engine
	if e.TickInterval < 0 || e.FlowWindow < 0 || e.SampleRetention < 0 || e.HistoryRetention < 0 {
		return errors.New("engine durations must be positive")
	}
	if e.FlowWindow > e.SampleRetention {
		return errors.New("engine.flow_window must not exceed engine.sample_retention")
	}
	if e.MaxChangePerTick <= 0 || e.MaxChangePerTick >= 1 {
		return errors.New("engine.max_change_per_tick must be in (0, 1)")
	}
	if e.FreezeThreshold <= 0 || e.FreezeThreshold >= 1 {
		return errors.New("engine.freeze_threshold must be in (0, 1)")
	}
	if e.VolatilityTarget <= 0 {
		return errors.New("engine.volatility_target must be > 0")
	}

	if c.Ledger.DefaultStipend <= 0 {
		return errors.New("ledger.default_stipend must be > 0")
	}
	if c.Ledger.TradeLogCap < 1 {
		return errors.New("ledger.trade_log_cap must be >= 1")
	}
	if c.Stipend.Max < c.Ledger.DefaultStipend {
		return errors.New("stipend.max must be >= ledger.default_stipend")
	}
	if c.Stipend.Slope < 0 {
		return errors.New("stipend.slope must be >= 0")
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("kafka.topic is required when brokers are set")
	}
	return nil
}
