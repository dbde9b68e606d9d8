package config

// Auth configures bearer token verification on the gateway. The token
// subject carries the caller identity.
type Auth struct {
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret"`
	HMACSecretEnv    string `toml:"HMACSecretEnv" yaml:"hmacSecretEnv"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int64  `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

// RateLimit bounds requests per caller.
type RateLimit struct {
	RequestsPerMinute int `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int `toml:"Burst" yaml:"burst"`
}

// Telemetry configures the OTLP exporters. An empty endpoint disables them.
type Telemetry struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio"`
}

// Scheduler controls how often auction deadlines are checked.
type Scheduler struct {
	IntervalSeconds int64 `toml:"IntervalSeconds" yaml:"intervalSeconds"`
}

// GenesisAccount is an initial balance credited the first time the market
// opens its data directory.
type GenesisAccount struct {
	Address string `toml:"Address" yaml:"address"`
	Balance string `toml:"Balance" yaml:"balance"`
}
