package livesync

import (
	"fmt"
	"os"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// file form of ClientSettings so embedding applications can ship a toml file
// instead of building settings in code. Unset fields keep their defaults.
type rawClientSettings struct {
	PlatformUrl string `toml:"platform_url"`

	ReconnectDelayMs     *int64  `toml:"reconnect_delay_ms"`
	MaxReconnectAttempts *int    `toml:"max_reconnect_attempts"`
	ReconnectBackoff     *string `toml:"reconnect_backoff"`
	PingTimeoutMs        *int64  `toml:"ping_timeout_ms"`
	SendBufferSize       *int    `toml:"send_buffer_size"`

	DeduplicateSubscriptions *bool `toml:"deduplicate_subscriptions"`
	SkipConnectionCheck      *bool `toml:"skip_connection_check"`
	CacheResults             *bool `toml:"cache_results"`
	CacheSize                *int  `toml:"cache_size"`
	BufferWhilePaused        *bool `toml:"buffer_while_paused"`
}

func LoadClientSettings(path string) (*ClientSettings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	return ParseClientSettings(b)
}

func ParseClientSettings(b []byte) (*ClientSettings, error) {
	raw := &rawClientSettings{}
	if err := toml.Unmarshal(b, raw); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	if strings.TrimSpace(raw.PlatformUrl) == "" {
		return nil, fmt.Errorf("settings missing platform_url")
	}
	settings := DefaultClientSettings(strings.TrimSpace(raw.PlatformUrl))

	if raw.ReconnectDelayMs != nil {
		settings.ReconnectDelay = time.Duration(*raw.ReconnectDelayMs) * time.Millisecond
	}
	if raw.MaxReconnectAttempts != nil {
		settings.MaxReconnectAttempts = *raw.MaxReconnectAttempts
	}
	if raw.ReconnectBackoff != nil {
		switch BackoffMode(*raw.ReconnectBackoff) {
		case BackoffLinear:
			settings.ReconnectBackoff = BackoffLinear
		case BackoffExponential:
			settings.ReconnectBackoff = BackoffExponential
		default:
			return nil, fmt.Errorf("unknown reconnect_backoff %q", *raw.ReconnectBackoff)
		}
	}
	if raw.PingTimeoutMs != nil {
		settings.PingTimeout = time.Duration(*raw.PingTimeoutMs) * time.Millisecond
	}
	if raw.SendBufferSize != nil {
		settings.SendBufferSize = *raw.SendBufferSize
	}
	if raw.DeduplicateSubscriptions != nil {
		settings.DeduplicateSubscriptions = *raw.DeduplicateSubscriptions
	}
	if raw.SkipConnectionCheck != nil {
		settings.SkipConnectionCheck = *raw.SkipConnectionCheck
	}
	if raw.CacheResults != nil {
		settings.CacheResults = *raw.CacheResults
	}
	if raw.CacheSize != nil {
		settings.CacheSize = *raw.CacheSize
	}
	if raw.BufferWhilePaused != nil {
		settings.BufferWhilePaused = *raw.BufferWhilePaused
	}

	return settings, nil
}
