package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"

	"marketchain/crypto"
)

// Allocation is a parsed genesis entry.
type Allocation struct {
	Address [20]byte
	Balance *big.Int
}

// GenesisAllocations parses the configured genesis balances.
func (c *Config) GenesisAllocations() ([]Allocation, error) {
	out := make([]Allocation, 0, len(c.Genesis))
	seen := make(map[[20]byte]struct{}, len(c.Genesis))
	for i, entry := range c.Genesis {
		addr, err := crypto.ParseIdentity(entry.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Address: %w", i, err)
		}
		if _, dup := seen[addr]; dup {
			return nil, fmt.Errorf("invalid genesis[%d].Address: duplicate account", i)
		}
		seen[addr] = struct{}{}
		balance, err := parseUintAmount(entry.Balance)
		if err != nil {
			return nil, fmt.Errorf("invalid genesis[%d].Balance: %w", i, err)
		}
		if balance.Sign() == 0 {
			return nil, fmt.Errorf("invalid genesis[%d].Balance: must be positive", i)
		}
		out = append(out, Allocation{Address: addr, Balance: balance})
	}
	return out, nil
}

// Vault parses VaultAddress. The zero identity selects the default vault.
func (c *Config) Vault() ([20]byte, error) {
	if strings.TrimSpace(c.VaultAddress) == "" {
		return [20]byte{}, nil
	}
	addr, err := crypto.ParseIdentity(c.VaultAddress)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid VaultAddress: %w", err)
	}
	return addr, nil
}

// Secret resolves the token signing secret, preferring the environment
// variable named by HMACSecretEnv.
func (a Auth) Secret() []byte {
	if name := strings.TrimSpace(a.HMACSecretEnv); name != "" {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			return []byte(v)
		}
	}
	return []byte(a.HMACSecret)
}

func parseUintAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if value.Sign() < 0 {
		return nil, fmt.Errorf("amount must not be negative")
	}
	return value, nil
}
