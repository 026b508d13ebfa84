package isp

import (
	"fmt"
	"time"

	"github.com/jannickheisch/tinyISP/common/types"
)

// Config of the overlay service.
type Config struct {
	// Provider accepts onboarding requests addressed to the local identity.
	Provider bool `mapstructure:"provider"`
	// Whitelist restricts the clients a provider accepts. Empty admits everybody.
	Whitelist []types.FeedID `mapstructure:"whitelist"`
	// MaxDataFeedEntries is the length N at which a data feed is continued
	// in a fresh one. Both sides of a contract must agree on it.
	MaxDataFeedEntries int `mapstructure:"max-data-feed-entries"`
	// TunnelBuffer bounds the tunneled streams waiting for their route.
	TunnelBuffer int `mapstructure:"tunnel-buffer"`
	// BacklogLimit bounds the data buffered while a contract is suspended.
	BacklogLimit int `mapstructure:"backlog-limit"`
	// FarewellLinger delays deleting a terminated contract.
	FarewellLinger time.Duration `mapstructure:"farewell-linger"`
}

func DefaultConfig() Config {
	return Config{
		MaxDataFeedEntries: 4,
		TunnelBuffer:       64,
		BacklogLimit:       32,
		FarewellLinger:     30 * time.Second,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxDataFeedEntries < 3:
		return fmt.Errorf("isp: max data feed entries %d, need at least 3", c.MaxDataFeedEntries)
	case c.TunnelBuffer <= 0:
		return fmt.Errorf("isp: tunnel buffer %d must be positive", c.TunnelBuffer)
	case c.BacklogLimit < 0:
		return fmt.Errorf("isp: negative backlog limit %d", c.BacklogLimit)
	}
	return nil
}
