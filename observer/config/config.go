package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pelletier/go-toml/v2"
	"github.com/tyler-smith/go-bip39"

	"github.com/GPTx-global/xobserver/observer/types"
)

const (
	FileName = "config.toml"

	DefaultHDPath = "m/44'/60'/0'/0/0"
)

type Config struct {
	Log    LogConfig              `toml:"log"`
	Signer SignerConfig           `toml:"signer"`
	Chains map[string]ChainConfig `toml:"chains"`
	Oracle OracleConfig           `toml:"oracle"`
	Poll   PollConfig             `toml:"poll"`
	API    APIConfig              `toml:"api"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Dir    string `toml:"dir"`
}

// SignerConfig holds either a hex private key or a mnemonic. Both empty
// leaves the observer read-only: await works, send does not.
type SignerConfig struct {
	PrivateKey string `toml:"private_key"`
	Mnemonic   string `toml:"mnemonic"`
	HDPath     string `toml:"hd_path"`
}

type ChainConfig struct {
	ChainID          int64    `toml:"chain_id"`
	RPCEndpoint      string   `toml:"rpc_endpoint"`
	ConnectorAddress string   `toml:"connector_address"`
	TokenAddress     string   `toml:"token_address"`
	Confirmations    uint64   `toml:"confirmations"`
	GasLimit         uint64   `toml:"gas_limit"`
	BlockTime        Duration `toml:"block_time"`
	ConfirmTimeout   Duration `toml:"confirm_timeout"`
}

type OracleConfig struct {
	RESTEndpoint      string   `toml:"rest_endpoint"`
	RPCEndpoint       string   `toml:"rpc_endpoint"`
	RequestTimeout    Duration `toml:"request_timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Burst             int      `toml:"burst"`
}

type PollConfig struct {
	Interval    Duration `toml:"interval"`
	MaxAttempts int      `toml:"max_attempts"`
	// Deadline defaults to Interval * MaxAttempts when zero.
	Deadline Duration `toml:"deadline"`
}

// APIConfig is the read-only status server used by await and matrix with
// --serve. An empty ListenAddr disables it.
type APIConfig struct {
	ListenAddr     string   `toml:"listen_addr"`
	AllowedOrigins []string `toml:"allowed_origins"`
}

// Duration is a time.Duration written as a string ("10s") in TOML.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "plain",
		},
		Signer: SignerConfig{
			HDPath: DefaultHDPath,
		},
		Chains: map[string]ChainConfig{
			"eth-goerli": {
				ChainID:          5,
				RPCEndpoint:      "http://localhost:8545",
				ConnectorAddress: "0x68Bc806414e743D88436AEB771Be387A55B4df70",
				TokenAddress:     "0x91Ea4f79D39DA890B03E965111953d0494936072",
				Confirmations:    1,
				GasLimit:         300000,
				BlockTime:        Duration(12 * time.Second),
				ConfirmTimeout:   Duration(5 * time.Minute),
			},
			"bsc-testnet": {
				ChainID:          97,
				RPCEndpoint:      "http://localhost:8546",
				ConnectorAddress: "0xE626402550fB921E4a47c11568F89dF3496fbEF0",
				TokenAddress:     "0x6Cc37160976Bbd1AecB5Cce4C440B28e883c7898",
				Confirmations:    1,
				GasLimit:         300000,
				BlockTime:        Duration(3 * time.Second),
				ConfirmTimeout:   Duration(5 * time.Minute),
			},
		},
		Oracle: OracleConfig{
			RESTEndpoint:   "http://localhost:1317",
			RequestTimeout: Duration(10 * time.Second),
		},
		Poll: PollConfig{
			Interval:    Duration(10 * time.Second),
			MaxAttempts: 18,
		},
		API: APIConfig{
			AllowedOrigins: []string{"*"},
		},
	}
}

// Load reads <home>/config.toml, creating it with defaults when missing, and
// validates the result.
func Load(home string) (*Config, error) {
	path := filepath.Join(home, FileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := WriteDefault(home); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes TOML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	cfg.Chains = nil

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, types.ErrInvalidConfig.Wrapf("failed to parse TOML: %v", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteDefault writes the default config to <home>/config.toml.
func WriteDefault(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", home, err)
	}

	data, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to marshal TOML: %w", err)
	}

	return os.WriteFile(filepath.Join(home, FileName), data, 0o644)
}

func (c *Config) applyDefaults() {
	if c.Signer.HDPath == "" {
		c.Signer.HDPath = DefaultHDPath
	}
	for name, chain := range c.Chains {
		if chain.Confirmations == 0 {
			chain.Confirmations = 1
		}
		if chain.ConfirmTimeout == 0 {
			chain.ConfirmTimeout = Duration(5 * time.Minute)
		}
		c.Chains[name] = chain
	}
}

func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return types.ErrInvalidConfig.Wrap("at least one chain is required")
	}

	ids := make(map[int64]string, len(c.Chains))
	for _, name := range c.ChainNames() {
		chain := c.Chains[name]
		if err := chain.validate(); err != nil {
			return types.ErrInvalidConfig.Wrapf("chains.%s: %v", name, err)
		}
		if other, ok := ids[chain.ChainID]; ok {
			return types.ErrInvalidConfig.Wrapf("chains.%s: chain id %d already used by %s", name, chain.ChainID, other)
		}
		ids[chain.ChainID] = name
	}

	if err := c.Signer.validate(); err != nil {
		return types.ErrInvalidConfig.Wrapf("signer: %v", err)
	}

	if err := validateURL(c.Oracle.RESTEndpoint); err != nil {
		return types.ErrInvalidConfig.Wrapf("oracle.rest_endpoint: %v", err)
	}
	if c.Oracle.RPCEndpoint != "" {
		if err := validateURL(c.Oracle.RPCEndpoint); err != nil {
			return types.ErrInvalidConfig.Wrapf("oracle.rpc_endpoint: %v", err)
		}
	}
	if c.Oracle.RequestTimeout <= 0 {
		return types.ErrInvalidConfig.Wrap("oracle.request_timeout must be positive")
	}
	if c.Oracle.RequestsPerSecond < 0 || c.Oracle.Burst < 0 {
		return types.ErrInvalidConfig.Wrap("oracle rate limit must not be negative")
	}

	if c.Poll.Interval <= 0 {
		return types.ErrInvalidConfig.Wrap("poll.interval must be positive")
	}
	if c.Poll.MaxAttempts <= 0 {
		return types.ErrInvalidConfig.Wrap("poll.max_attempts must be positive")
	}
	if c.Poll.Deadline < 0 {
		return types.ErrInvalidConfig.Wrap("poll.deadline must not be negative")
	}

	switch c.Log.Format {
	case "", "plain", "json":
	default:
		return types.ErrInvalidConfig.Wrapf("log.format %q", c.Log.Format)
	}

	return nil
}

func (c ChainConfig) validate() error {
	if c.ChainID <= 0 {
		return fmt.Errorf("chain_id is required")
	}
	if err := validateURL(c.RPCEndpoint); err != nil {
		return fmt.Errorf("rpc_endpoint: %w", err)
	}
	if !common.IsHexAddress(c.ConnectorAddress) {
		return fmt.Errorf("connector_address %q is not an address", c.ConnectorAddress)
	}
	if c.TokenAddress != "" && !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("token_address %q is not an address", c.TokenAddress)
	}
	return nil
}

func (s SignerConfig) validate() error {
	if s.PrivateKey != "" && s.Mnemonic != "" {
		return fmt.Errorf("private_key and mnemonic are mutually exclusive")
	}
	if s.PrivateKey != "" {
		if _, err := crypto.HexToECDSA(strings.TrimPrefix(s.PrivateKey, "0x")); err != nil {
			return fmt.Errorf("private_key: %w", err)
		}
	}
	if s.Mnemonic != "" {
		if !bip39.IsMnemonicValid(s.Mnemonic) {
			return fmt.Errorf("mnemonic is not a valid BIP-39 phrase")
		}
		if _, err := accounts.ParseDerivationPath(s.HDPath); err != nil {
			return fmt.Errorf("hd_path: %w", err)
		}
	}
	return nil
}

// HasKey reports whether a signing key is configured.
func (s SignerConfig) HasKey() bool {
	return s.PrivateKey != "" || s.Mnemonic != ""
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%q is not an absolute URL", raw)
	}
	return nil
}

// ChainNames returns the configured chain names in sorted order.
func (c *Config) ChainNames() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// PollDeadline is the configured deadline, or Interval * MaxAttempts.
func (p PollConfig) PollDeadline() time.Duration {
	if p.Deadline > 0 {
		return p.Deadline.Std()
	}
	return p.Interval.Std() * time.Duration(p.MaxAttempts)
}
