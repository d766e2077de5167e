package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables that override config keys,
// e.g. XOBSERVER_ORACLE_REST_ENDPOINT.
const EnvPrefix = "XOBSERVER"

// Override keys. Flags bound into viper under these names win over the file.
const (
	KeyLogLevel         = "log.level"
	KeyLogFormat        = "log.format"
	KeyLogDir           = "log.dir"
	KeySignerPrivateKey = "signer.private_key"
	KeySignerMnemonic   = "signer.mnemonic"
	KeyOracleREST       = "oracle.rest_endpoint"
	KeyOracleRPC        = "oracle.rpc_endpoint"
	KeyPollInterval     = "poll.interval"
	KeyPollMaxAttempts  = "poll.max_attempts"
	KeyPollDeadline     = "poll.deadline"
	KeyAPIListenAddr    = "api.listen_addr"
	KeyOracleRPS        = "oracle.requests_per_second"
	KeyOracleBurst      = "oracle.burst"
)

// NewViper returns a viper instance reading XOBSERVER_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v onto the config and re-validates.
func (c *Config) ApplyOverrides(v *viper.Viper) error {
	setString(v, KeyLogLevel, &c.Log.Level)
	setString(v, KeyLogFormat, &c.Log.Format)
	setString(v, KeyLogDir, &c.Log.Dir)
	setString(v, KeySignerPrivateKey, &c.Signer.PrivateKey)
	setString(v, KeySignerMnemonic, &c.Signer.Mnemonic)
	setString(v, KeyOracleREST, &c.Oracle.RESTEndpoint)
	setString(v, KeyOracleRPC, &c.Oracle.RPCEndpoint)
	setString(v, KeyAPIListenAddr, &c.API.ListenAddr)
	setDuration(v, KeyPollInterval, &c.Poll.Interval)
	setDuration(v, KeyPollDeadline, &c.Poll.Deadline)

	if isSet(v, KeyPollMaxAttempts) {
		c.Poll.MaxAttempts = v.GetInt(KeyPollMaxAttempts)
	}
	if isSet(v, KeyOracleRPS) {
		c.Oracle.RequestsPerSecond = v.GetFloat64(KeyOracleRPS)
	}
	if isSet(v, KeyOracleBurst) {
		c.Oracle.Burst = v.GetInt(KeyOracleBurst)
	}

	return c.Validate()
}

// isSet ignores flag defaults so an unset flag never clobbers the file.
func isSet(v *viper.Viper, key string) bool {
	return v.IsSet(key) && v.GetString(key) != ""
}

func setString(v *viper.Viper, key string, dst *string) {
	if isSet(v, key) {
		*dst = v.GetString(key)
	}
}

func setDuration(v *viper.Viper, key string, dst *Duration) {
	if isSet(v, key) {
		if d := v.GetDuration(key); d > 0 {
			*dst = Duration(d)
		}
	}
}

// SetForTesting returns a valid config pointing at the given endpoints, with
// fast polling and no signer.
func SetForTesting(oracleEndpoint string, chains map[string]ChainConfig, interval time.Duration, maxAttempts int) *Config {
	cfg := DefaultConfig()
	cfg.Chains = chains
	cfg.Oracle.RESTEndpoint = oracleEndpoint
	cfg.Poll.Interval = Duration(interval)
	cfg.Poll.MaxAttempts = maxAttempts
	cfg.applyDefaults()
	return cfg
}
