package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"

	"lendvault/lending"
)

// Config is the daemon configuration loaded from TOML.
type Config struct {
	RPCAddress      string         `toml:"RPCAddress"`
	DataDir         string         `toml:"DataDir"`
	LogFile         string         `toml:"LogFile"`
	Admin           string         `toml:"Admin"`
	Vault           string         `toml:"Vault"`
	CollateralAsset string         `toml:"CollateralAsset"`
	BorrowAsset     string         `toml:"BorrowAsset"`
	Protocol        ProtocolConfig `toml:"protocol"`
	Oracle          OracleConfig   `toml:"oracle"`
}

// ProtocolConfig carries the 1e18-scaled risk parameters as decimal strings so
// full precision survives the TOML round trip.
type ProtocolConfig struct {
	LTV                  string `toml:"LTV"`
	LiquidationThreshold string `toml:"LiquidationThreshold"`
	LiquidationBonus     string `toml:"LiquidationBonus"`
	InterestRate         string `toml:"InterestRate"`
}

// OracleConfig holds the freshness window and bootstrap prices (8-decimal USD,
// decimal strings) posted to the manual feed at startup.
type OracleConfig struct {
	MaxAgeSeconds uint64            `toml:"MaxAgeSeconds"`
	Prices        map[string]string `toml:"prices"`
}

const defaultConfigTOML = `RPCAddress = "127.0.0.1:8645"
DataDir = "./lendvault-data"
LogFile = ""
Admin = "0x0000000000000000000000000000000000000001"
Vault = "0x00000000000000000000000000000000000000fe"
CollateralAsset = "COLL"
BorrowAsset = "BORR"

[protocol]
LTV = "750000000000000000"
LiquidationThreshold = "800000000000000000"
LiquidationBonus = "100000000000000000"
InterestRate = "50000000000000000"

[oracle]
MaxAgeSeconds = 300

[oracle.prices]
COLL = "200000000000"
BORR = "100000000"
`

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createDefault(path); err != nil {
			return nil, err
		}
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func createDefault(path string) error {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(defaultConfigTOML), 0o644)
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./lendvault-data"
	}
	if strings.TrimSpace(c.CollateralAsset) == "" {
		c.CollateralAsset = "COLL"
	}
	if strings.TrimSpace(c.BorrowAsset) == "" {
		c.BorrowAsset = "BORR"
	}
	if c.Oracle.Prices == nil {
		c.Oracle.Prices = map[string]string{}
	}
}

// Validate checks address fields and the protocol parameter invariants.
func (c *Config) Validate() error {
	if !common.IsHexAddress(c.Admin) {
		return fmt.Errorf("config: invalid Admin address %q", c.Admin)
	}
	if !common.IsHexAddress(c.Vault) {
		return fmt.Errorf("config: invalid Vault address %q", c.Vault)
	}
	params, err := c.ProtocolParams()
	if err != nil {
		return err
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	rate, err := c.InterestRate()
	if err != nil {
		return err
	}
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	if rate.Sign() < 0 || rate.Cmp(one) > 0 {
		return fmt.Errorf("config: InterestRate %s outside [0, 1e18]", rate)
	}
	for asset, price := range c.Oracle.Prices {
		v, err := parseBig(price)
		if err != nil || v.Sign() <= 0 {
			return fmt.Errorf("config: invalid oracle price for %s: %q", asset, price)
		}
	}
	return nil
}

// AdminAddress returns the parsed administrator identity.
func (c *Config) AdminAddress() common.Address {
	return common.HexToAddress(c.Admin)
}

// VaultAddress returns the parsed protocol custody account.
func (c *Config) VaultAddress() common.Address {
	return common.HexToAddress(c.Vault)
}

// ProtocolParams parses the configured risk parameters.
func (c *Config) ProtocolParams() (lending.ProtocolParams, error) {
	ltv, err := parseBig(c.Protocol.LTV)
	if err != nil {
		return lending.ProtocolParams{}, fmt.Errorf("config: invalid LTV %q", c.Protocol.LTV)
	}
	threshold, err := parseBig(c.Protocol.LiquidationThreshold)
	if err != nil {
		return lending.ProtocolParams{}, fmt.Errorf("config: invalid LiquidationThreshold %q", c.Protocol.LiquidationThreshold)
	}
	bonus, err := parseBig(c.Protocol.LiquidationBonus)
	if err != nil {
		return lending.ProtocolParams{}, fmt.Errorf("config: invalid LiquidationBonus %q", c.Protocol.LiquidationBonus)
	}
	return lending.ProtocolParams{
		LTV:                  ltv,
		LiquidationThreshold: threshold,
		LiquidationBonus:     bonus,
	}, nil
}

// InterestRate parses the configured annualized rate.
func (c *Config) InterestRate() (*big.Int, error) {
	rate, err := parseBig(c.Protocol.InterestRate)
	if err != nil {
		return nil, fmt.Errorf("config: invalid InterestRate %q", c.Protocol.InterestRate)
	}
	return rate, nil
}

// OraclePrices parses the bootstrap price map.
func (c *Config) OraclePrices() (map[string]*big.Int, error) {
	prices := make(map[string]*big.Int, len(c.Oracle.Prices))
	for asset, raw := range c.Oracle.Prices {
		v, err := parseBig(raw)
		if err != nil {
			return nil, fmt.Errorf("config: invalid oracle price for %s: %q", asset, raw)
		}
		prices[asset] = v
	}
	return prices, nil
}

func parseBig(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty value")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("not a base-10 integer: %q", raw)
	}
	return v, nil
}
