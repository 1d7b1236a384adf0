/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/acronis/go-ratequeue/config"
)

const cfgDefaultKeyPrefix = "admin"

const (
	cfgKeyAddress            = "address"
	cfgKeyProfiling          = "profiling"
	cfgKeyTimeoutsWrite      = "timeouts.write"
	cfgKeyTimeoutsRead       = "timeouts.read"
	cfgKeyTimeoutsReadHeader = "timeouts.readHeader"
	cfgKeyTimeoutsIdle       = "timeouts.idle"
	cfgKeyTimeoutsShutdown   = "timeouts.shutdown"
	cfgKeyLimitsMaxBodySize  = "limits.maxBodySize"
	cfgKeyLimitsWriteRate    = "limits.writeRequestsPerSecond"
	cfgKeyLimitsWriteBurst   = "limits.writeBurst"
)

const (
	defaultAddress            = ":8080"
	defaultTimeoutsWrite      = time.Minute
	defaultTimeoutsRead       = 15 * time.Second
	defaultTimeoutsReadHeader = 10 * time.Second
	defaultTimeoutsIdle       = time.Minute
	defaultTimeoutsShutdown   = 5 * time.Second
	defaultLimitsMaxBodySize  = "1M"
)

// Config represents a set of configuration parameters for the admin HTTP server.
type Config struct {
	Address string `mapstructure:"address" yaml:"address" json:"address"`

	// Profiling exposes net/http/pprof handlers under /debug.
	Profiling bool `mapstructure:"profiling" yaml:"profiling" json:"profiling"`

	Timeouts TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts" json:"timeouts"`
	Limits   LimitsConfig   `mapstructure:"limits" yaml:"limits" json:"limits"`

	keyPrefix string
}

// TimeoutsConfig represents a set of configuration parameters for the server's timeouts.
type TimeoutsConfig struct {
	Write      config.TimeDuration `mapstructure:"write" yaml:"write" json:"write"`
	Read       config.TimeDuration `mapstructure:"read" yaml:"read" json:"read"`
	ReadHeader config.TimeDuration `mapstructure:"readHeader" yaml:"readHeader" json:"readHeader"`
	Idle       config.TimeDuration `mapstructure:"idle" yaml:"idle" json:"idle"`
	Shutdown   config.TimeDuration `mapstructure:"shutdown" yaml:"shutdown" json:"shutdown"`
}

// LimitsConfig limits request bodies and the rate of requests that change queues.
// WriteRequestsPerSecond = 0 disables rate limiting.
type LimitsConfig struct {
	MaxBodySize            config.ByteSize `mapstructure:"maxBodySize" yaml:"maxBodySize" json:"maxBodySize"`
	WriteRequestsPerSecond float64         `mapstructure:"writeRequestsPerSecond" yaml:"writeRequestsPerSecond" json:"writeRequestsPerSecond"`
	WriteBurst             int             `mapstructure:"writeBurst" yaml:"writeBurst" json:"writeBurst"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config. An empty keyPrefix means the default "admin" prefix.
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		Address: defaultAddress,
		Timeouts: TimeoutsConfig{
			Write:      config.TimeDuration(defaultTimeoutsWrite),
			Read:       config.TimeDuration(defaultTimeoutsRead),
			ReadHeader: config.TimeDuration(defaultTimeoutsReadHeader),
			Idle:       config.TimeDuration(defaultTimeoutsIdle),
			Shutdown:   config.TimeDuration(defaultTimeoutsShutdown),
		},
		Limits: LimitsConfig{MaxBodySize: 1024 * 1024},
	}
}

// KeyPrefix implements config.KeyPrefixProvider.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults implements config.Config.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyAddress, defaultAddress)
	dp.SetDefault(cfgKeyProfiling, false)
	dp.SetDefault(cfgKeyTimeoutsWrite, defaultTimeoutsWrite.String())
	dp.SetDefault(cfgKeyTimeoutsRead, defaultTimeoutsRead.String())
	dp.SetDefault(cfgKeyTimeoutsReadHeader, defaultTimeoutsReadHeader.String())
	dp.SetDefault(cfgKeyTimeoutsIdle, defaultTimeoutsIdle.String())
	dp.SetDefault(cfgKeyTimeoutsShutdown, defaultTimeoutsShutdown.String())
	dp.SetDefault(cfgKeyLimitsMaxBodySize, defaultLimitsMaxBodySize)
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Address, err = dp.GetString(cfgKeyAddress); err != nil {
		return err
	}
	if c.Profiling, err = dp.GetBool(cfgKeyProfiling); err != nil {
		return err
	}

	for key, dst := range map[string]*config.TimeDuration{
		cfgKeyTimeoutsWrite:      &c.Timeouts.Write,
		cfgKeyTimeoutsRead:       &c.Timeouts.Read,
		cfgKeyTimeoutsReadHeader: &c.Timeouts.ReadHeader,
		cfgKeyTimeoutsIdle:       &c.Timeouts.Idle,
		cfgKeyTimeoutsShutdown:   &c.Timeouts.Shutdown,
	} {
		d, dErr := dp.GetDuration(key)
		if dErr != nil {
			return dErr
		}
		if d < 0 {
			return dp.WrapKeyErr(key, fmt.Errorf("cannot be negative"))
		}
		*dst = config.TimeDuration(d)
	}

	if c.Limits.MaxBodySize, err = dp.GetByteSize(cfgKeyLimitsMaxBodySize); err != nil {
		return err
	}

	if rateVal := dp.Get(cfgKeyLimitsWriteRate); rateVal != nil {
		if c.Limits.WriteRequestsPerSecond, err = cast.ToFloat64E(rateVal); err != nil {
			return dp.WrapKeyErr(cfgKeyLimitsWriteRate, err)
		}
		if c.Limits.WriteRequestsPerSecond < 0 {
			return dp.WrapKeyErr(cfgKeyLimitsWriteRate, fmt.Errorf("cannot be negative"))
		}
	}
	if c.Limits.WriteBurst, err = dp.GetInt(cfgKeyLimitsWriteBurst); err != nil {
		return err
	}
	if c.Limits.WriteBurst < 0 {
		return dp.WrapKeyErr(cfgKeyLimitsWriteBurst, fmt.Errorf("cannot be negative"))
	}
	if c.Limits.WriteRequestsPerSecond > 0 && c.Limits.WriteBurst == 0 {
		c.Limits.WriteBurst = 1
	}

	return nil
}
