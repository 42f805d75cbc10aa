package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultPort                 = "8080"
	DefaultReadTimeout          = 10 * time.Second
	DefaultWriteTimeout         = 10 * time.Second
	DefaultIdleTimeout          = 60 * time.Second
	DefaultShutdownTimeout      = 5 * time.Second
	DefaultTradeRateLimit       = 5
	DefaultTradeBurst           = 10
	DefaultRedisOpTimeout       = 2 * time.Second
	DefaultKafkaTopic           = "karma-market.events"
	DefaultTickInterval         = 2 * time.Minute
	DefaultFlowWindow           = 15 * time.Minute
	DefaultSampleRetention      = 7 * 24 * time.Hour
	DefaultHistoryRetention     = 7 * 24 * time.Hour
	DefaultActivityWeight       = 0.6
	DefaultFlowWeight           = 0.4
	DefaultVolatilityTarget     = 0.01
	DefaultMaxChangePerTick     = 0.03
	DefaultFreezeThreshold      = 0.25
	DefaultLeaderboardThreshold = 0.05
	DefaultStipend              = 1000
	DefaultTradeLogCap          = 30
	DefaultStipendMax           = 10000
	DefaultStipendSlope         = 0.5
	DefaultStipendCacheTTL      = 24 * time.Hour
)

func (c *Config) applyDefaults() {
	// HTTP defaults
	if c.HTTP.Port == "" {
		c.HTTP.Port = DefaultPort
	}
	if c.HTTP.ReadTimeout == 0 {
		c.HTTP.ReadTimeout = DefaultReadTimeout
	}
	if c.HTTP.WriteTimeout == 0 {
		c.HTTP.WriteTimeout = DefaultWriteTimeout
	}
	if c.HTTP.IdleTimeout == 0 {
		c.HTTP.IdleTimeout = DefaultIdleTimeout
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.HTTP.TradeRateLimit == 0 {
		c.HTTP.TradeRateLimit = DefaultTradeRateLimit
	}
	if c.HTTP.TradeBurst == 0 {
		c.HTTP.TradeBurst = DefaultTradeBurst
	}

	// Backend defaults
	if c.Redis.OpTimeout == 0 {
		c.Redis.OpTimeout = DefaultRedisOpTimeout
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = DefaultKafkaTopic
	}

	// Engine defaults
	e := &c.Engine
	if e.TickInterval == 0 {
		e.TickInterval = DefaultTickInterval
	}
	if e.FlowWindow == 0 {
		e.FlowWindow = DefaultFlowWindow
	}
	if e.SampleRetention == 0 {
		e.SampleRetention = DefaultSampleRetention
	}
	if e.HistoryRetention == 0 {
		e.HistoryRetention = DefaultHistoryRetention
	}
	if e.ActivityWeight == 0 {
		e.ActivityWeight = DefaultActivityWeight
	}
	if e.FlowWeight == 0 {
		e.FlowWeight = DefaultFlowWeight
	}
	if e.VolatilityTarget == 0 {
		e.VolatilityTarget = DefaultVolatilityTarget
	}
	if e.MaxChangePerTick == 0 {
		e.MaxChangePerTick = DefaultMaxChangePerTick
	}
	if e.FreezeThreshold == 0 {
		e.FreezeThreshold = DefaultFreezeThreshold
	}
	if e.LeaderboardThreshold == 0 {
		e.LeaderboardThreshold = DefaultLeaderboardThreshold
	}

	// Ledger and stipend defaults
	if c.Ledger.DefaultStipend == 0 {
		c.Ledger.DefaultStipend = DefaultStipend
	}
	if c.Ledger.TradeLogCap == 0 {
		c.Ledger.TradeLogCap = DefaultTradeLogCap
	}
	if c.Stipend.Max == 0 {
		c.Stipend.Max = DefaultStipendMax
	}
	if c.Stipend.Slope == 0 {
		c.Stipend.Slope = DefaultStipendSlope
	}
	if c.Stipend.CacheTTL == 0 {
		c.Stipend.CacheTTL = DefaultStipendCacheTTL
	}
}
