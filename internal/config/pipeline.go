package config

import (
	"fmt"
	"math"
	"time"
)

// PipelineConfig holds every threshold and timing the recognition pipeline
// can be tuned with while it is running.
type PipelineConfig struct {
	AcceptThreshold        float64 `yaml:"accept_threshold" json:"accept_threshold"`
	LowWatermark           float64 `yaml:"low_watermark" json:"low_watermark"`
	RequiredConsistency    int     `yaml:"required_consistency" json:"required_consistency"`
	RepeatCooldownMS       int     `yaml:"repeat_cooldown_ms" json:"repeat_cooldown_ms"`
	FlushDelayMS           int     `yaml:"flush_delay_ms" json:"flush_delay_ms"`
	ReconnectBaseMS        int     `yaml:"reconnect_base_ms" json:"reconnect_base_ms"`
	ReconnectBackoffFactor float64 `yaml:"reconnect_backoff_factor" json:"reconnect_backoff_factor"`
	ReconnectMaxMS         int     `yaml:"reconnect_max_ms" json:"reconnect_max_ms"`
	MaxReconnectAttempts   int     `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts"`
	HeartbeatIntervalMS    int     `yaml:"heartbeat_interval_ms" json:"heartbeat_interval_ms"`
	// PongTimeoutMS forces a reconnect when nothing arrives from the backend
	// for this long while open. Zero disables the check.
	PongTimeoutMS      int     `yaml:"pong_timeout_ms" json:"pong_timeout_ms"`
	OutboundRatePerSec float64 `yaml:"outbound_rate_per_sec" json:"outbound_rate_per_sec"`
	OutboundBurst      int     `yaml:"outbound_burst" json:"outbound_burst"`
}

func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		AcceptThreshold:        0.75,
		LowWatermark:           0.5,
		RequiredConsistency:    3,
		RepeatCooldownMS:       3000,
		FlushDelayMS:           2000,
		ReconnectBaseMS:        3000,
		ReconnectBackoffFactor: 1.5,
		ReconnectMaxMS:         30000,
		MaxReconnectAttempts:   10,
		HeartbeatIntervalMS:    30000,
		PongTimeoutMS:          65000,
		OutboundRatePerSec:     12,
		OutboundBurst:          2,
	}
}

func (p PipelineConfig) RepeatCooldown() time.Duration { return ms(p.RepeatCooldownMS) }
func (p PipelineConfig) FlushDelay() time.Duration     { return ms(p.FlushDelayMS) }
func (p PipelineConfig) HeartbeatInterval() time.Duration {
	return ms(p.HeartbeatIntervalMS)
}
func (p PipelineConfig) PongTimeout() time.Duration { return ms(p.PongTimeoutMS) }

// ReconnectDelay returns min(base * factor^attempt, max).
func (p PipelineConfig) ReconnectDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(p.ReconnectBaseMS) * math.Pow(p.ReconnectBackoffFactor, float64(attempt))
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(p.ReconnectMaxMS) {
		delay = float64(p.ReconnectMaxMS)
	}
	return time.Duration(delay * float64(time.Millisecond))
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// ConfigError reports a rejected pipeline setting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid pipeline config: %s %s", e.Field, e.Reason)
}

func (p PipelineConfig) Validate() error {
	switch {
	case math.IsNaN(p.AcceptThreshold) || p.AcceptThreshold <= 0 || p.AcceptThreshold > 1:
		return &ConfigError{Field: "accept_threshold", Reason: "must be in (0,1]"}
	case math.IsNaN(p.LowWatermark) || p.LowWatermark < 0 || p.LowWatermark > 1:
		return &ConfigError{Field: "low_watermark", Reason: "must be in [0,1]"}
	case p.LowWatermark > p.AcceptThreshold:
		return &ConfigError{Field: "low_watermark", Reason: "must not exceed accept_threshold"}
	case p.RequiredConsistency < 1:
		return &ConfigError{Field: "required_consistency", Reason: "must be >= 1"}
	case p.RepeatCooldownMS < 0:
		return &ConfigError{Field: "repeat_cooldown_ms", Reason: "must be >= 0"}
	case p.FlushDelayMS <= 0:
		return &ConfigError{Field: "flush_delay_ms", Reason: "must be positive"}
	case p.ReconnectBaseMS <= 0:
		return &ConfigError{Field: "reconnect_base_ms", Reason: "must be positive"}
	case math.IsNaN(p.ReconnectBackoffFactor) || p.ReconnectBackoffFactor < 1:
		return &ConfigError{Field: "reconnect_backoff_factor", Reason: "must be >= 1"}
	case p.ReconnectMaxMS < p.ReconnectBaseMS:
		return &ConfigError{Field: "reconnect_max_ms", Reason: "must be >= reconnect_base_ms"}
	case p.MaxReconnectAttempts < 1:
		return &ConfigError{Field: "max_reconnect_attempts", Reason: "must be >= 1"}
	case p.HeartbeatIntervalMS <= 0:
		return &ConfigError{Field: "heartbeat_interval_ms", Reason: "must be positive"}
	case p.PongTimeoutMS < 0:
		return &ConfigError{Field: "pong_timeout_ms", Reason: "must be >= 0"}
	case p.PongTimeoutMS > 0 && p.PongTimeoutMS <= p.HeartbeatIntervalMS:
		return &ConfigError{Field: "pong_timeout_ms", Reason: "must be greater than heartbeat_interval_ms"}
	case math.IsNaN(p.OutboundRatePerSec) || p.OutboundRatePerSec <= 0:
		return &ConfigError{Field: "outbound_rate_per_sec", Reason: "must be positive"}
	case p.OutboundBurst < 1:
		return &ConfigError{Field: "outbound_burst", Reason: "must be >= 1"}
	}
	return nil
}

// PipelineUpdate is a partial PipelineConfig; nil fields keep their value.
type PipelineUpdate struct {
	AcceptThreshold        *float64 `json:"accept_threshold,omitempty"`
	LowWatermark           *float64 `json:"low_watermark,omitempty"`
	RequiredConsistency    *int     `json:"required_consistency,omitempty"`
	RepeatCooldownMS       *int     `json:"repeat_cooldown_ms,omitempty"`
	FlushDelayMS           *int     `json:"flush_delay_ms,omitempty"`
	ReconnectBaseMS        *int     `json:"reconnect_base_ms,omitempty"`
	ReconnectBackoffFactor *float64 `json:"reconnect_backoff_factor,omitempty"`
	ReconnectMaxMS         *int     `json:"reconnect_max_ms,omitempty"`
	MaxReconnectAttempts   *int     `json:"max_reconnect_attempts,omitempty"`
	HeartbeatIntervalMS    *int     `json:"heartbeat_interval_ms,omitempty"`
	PongTimeoutMS          *int     `json:"pong_timeout_ms,omitempty"`
	OutboundRatePerSec     *float64 `json:"outbound_rate_per_sec,omitempty"`
	OutboundBurst          *int     `json:"outbound_burst,omitempty"`
}

// Apply overlays the update on base and validates the result. On error the
// returned config is base, untouched.
func (u PipelineUpdate) Apply(base PipelineConfig) (PipelineConfig, error) {
	next := base
	setFloat(&next.AcceptThreshold, u.AcceptThreshold)
	setFloat(&next.LowWatermark, u.LowWatermark)
	setInt(&next.RequiredConsistency, u.RequiredConsistency)
	setInt(&next.RepeatCooldownMS, u.RepeatCooldownMS)
	setInt(&next.FlushDelayMS, u.FlushDelayMS)
	setInt(&next.ReconnectBaseMS, u.ReconnectBaseMS)
	setFloat(&next.ReconnectBackoffFactor, u.ReconnectBackoffFactor)
	setInt(&next.ReconnectMaxMS, u.ReconnectMaxMS)
	setInt(&next.MaxReconnectAttempts, u.MaxReconnectAttempts)
	setInt(&next.HeartbeatIntervalMS, u.HeartbeatIntervalMS)
	setInt(&next.PongTimeoutMS, u.PongTimeoutMS)
	setFloat(&next.OutboundRatePerSec, u.OutboundRatePerSec)
	setInt(&next.OutboundBurst, u.OutboundBurst)
	if err := next.Validate(); err != nil {
		return base, err
	}
	return next, nil
}

func setFloat(target *float64, v *float64) {
	if v != nil {
		*target = *v
	}
}

func setInt(target *int, v *int) {
	if v != nil {
		*target = *v
	}
}
