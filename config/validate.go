package config

import (
	"fmt"
	"strings"
)

// Validate checks cross-field consistency. Callers treat a failure as a
// configuration error (exit code 64).
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RouterID) == "" {
		return fmt.Errorf("RouterID is required")
	}
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("ListenPort %d outside 1-65535", c.ListenPort)
	}
	if strings.TrimSpace(c.StateFile) == "" {
		return fmt.Errorf("StateFile is required")
	}
	if c.Payments.FeeBps < 0 || c.Payments.FeeBps > 10000 {
		return fmt.Errorf("Payments.FeeBps %d outside 0-10000", c.Payments.FeeBps)
	}
	if c.Payments.ChallengeTTL <= 0 {
		return fmt.Errorf("Payments.ChallengeTTL must be positive")
	}
	switch c.Replay.Store {
	case "memory":
	case "file":
		if strings.TrimSpace(c.Replay.File) == "" {
			return fmt.Errorf("Replay.File is required for the file store")
		}
	case "leveldb":
		if strings.TrimSpace(c.Replay.DB) == "" {
			return fmt.Errorf("Replay.DB is required for the leveldb store")
		}
	default:
		return fmt.Errorf("Replay.Store %q is not one of memory, file, leveldb", c.Replay.Store)
	}
	if c.Replay.Window <= 0 {
		return fmt.Errorf("Replay.Window must be positive")
	}
	if c.Scheduler.PriceWeight < 0 || c.Scheduler.LoadWeight < 0 || c.Scheduler.TrustWeight < 0 {
		return fmt.Errorf("Scheduler weights must be non-negative")
	}
	if c.Scheduler.PriceWeight+c.Scheduler.LoadWeight+c.Scheduler.TrustWeight == 0 {
		return fmt.Errorf("Scheduler weights are all zero")
	}
	if c.Registry.HeartbeatTTL <= 0 {
		return fmt.Errorf("Registry.HeartbeatTTL must be positive")
	}
	if c.Offload.Threshold <= 0 || c.Offload.Threshold > 1 {
		return fmt.Errorf("Offload.Threshold %v outside (0, 1]", c.Offload.Threshold)
	}
	if c.Offload.MaxOffloads <= 0 {
		return fmt.Errorf("Offload.MaxOffloads must be positive")
	}
	switch c.Offload.Mode {
	case "auction", "direct":
	default:
		return fmt.Errorf("Offload.Mode %q is not auction or direct", c.Offload.Mode)
	}
	if c.Federation.AuctionTimeout <= 0 {
		return fmt.Errorf("Federation.AuctionTimeout must be positive")
	}
	if c.Federation.MinRelayTrust < 0 || c.Federation.MinRelayTrust > 1 {
		return fmt.Errorf("Federation.MinRelayTrust %v outside 0-1", c.Federation.MinRelayTrust)
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit values must be non-negative")
	}
	return nil
}
