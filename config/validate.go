package config

import "fmt"

var (
	MinSecretLength = 32
)

// Validate checks the values the daemon cannot start without.
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address: required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir: required")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("auth: clock_skew_seconds must not be negative")
	}
	if c.Auth.HMACSecret != "" && len(c.Auth.HMACSecret) < MinSecretLength {
		return fmt.Errorf("auth: hmac_secret shorter than %d bytes", MinSecretLength)
	}
	if c.Scheduler.IntervalSeconds < 0 {
		return fmt.Errorf("scheduler: interval_seconds must not be negative")
	}
	if _, err := c.Vault(); err != nil {
		return err
	}
	if _, err := c.GenesisAllocations(); err != nil {
		return err
	}
	return nil
}
