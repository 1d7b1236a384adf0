/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package ratequeue

import (
	"fmt"
	"sort"
	"time"

	"github.com/acronis/go-ratequeue/config"
)

const cfgDefaultKeyPrefix = "ratequeue"

const (
	cfgKeyRate        = "rate"
	cfgKeyMailboxSize = "mailboxSize"
	cfgKeyFaultPolicy = "faultPolicy"
	cfgKeyQueues      = "queues"
)

// DefaultRate is the delay between ticks used when none is configured.
const DefaultRate = time.Second

// Config represents a set of configuration parameters for rate queues.
// Rate, MailboxSize and FaultPolicy are defaults for every queue declared in Queues.
//
// Example (YAML):
//
//	ratequeue:
//	  rate: 1s
//	  queues:
//	    billing:
//	      rate: 100ms
//	      faultPolicy: terminate
//	    mailer: {}
type Config struct {
	Rate        time.Duration          `mapstructure:"rate" yaml:"rate" json:"rate"`
	MailboxSize int                    `mapstructure:"mailboxSize" yaml:"mailboxSize" json:"mailboxSize"`
	FaultPolicy FaultPolicy            `mapstructure:"faultPolicy" yaml:"faultPolicy" json:"faultPolicy"`
	Queues      map[string]QueueConfig `mapstructure:"queues" yaml:"queues" json:"queues"`

	keyPrefix string
}

// QueueConfig overrides the defaults of Config for a single named queue. Zero values mean "use default".
type QueueConfig struct {
	Rate        config.TimeDuration `mapstructure:"rate" yaml:"rate" json:"rate"`
	MailboxSize int                 `mapstructure:"mailboxSize" yaml:"mailboxSize" json:"mailboxSize"`
	FaultPolicy FaultPolicy         `mapstructure:"faultPolicy" yaml:"faultPolicy" json:"faultPolicy"`
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new Config. An empty keyPrefix means the default "ratequeue" prefix.
func NewConfig(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
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
	dp.SetDefault(cfgKeyRate, DefaultRate.String())
	dp.SetDefault(cfgKeyMailboxSize, DefaultMailboxSize)
	dp.SetDefault(cfgKeyFaultPolicy, string(FaultPolicyIsolate))
}

// Set implements config.Config.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if c.Rate, err = dp.GetDuration(cfgKeyRate); err != nil {
		return err
	}
	if c.Rate <= 0 {
		return dp.WrapKeyErr(cfgKeyRate, ErrInvalidRate)
	}

	if c.MailboxSize, err = dp.GetInt(cfgKeyMailboxSize); err != nil {
		return err
	}
	if c.MailboxSize <= 0 {
		return dp.WrapKeyErr(cfgKeyMailboxSize, fmt.Errorf("should be > 0"))
	}

	policy, err := dp.GetString(cfgKeyFaultPolicy)
	if err != nil {
		return err
	}
	if c.FaultPolicy, err = ParseFaultPolicy(policy); err != nil {
		return dp.WrapKeyErr(cfgKeyFaultPolicy, err)
	}

	c.Queues = nil
	if err = dp.UnmarshalKey(cfgKeyQueues, &c.Queues, config.WithTextUnmarshalerHook()); err != nil {
		return err
	}
	for name, q := range c.Queues {
		if q.Rate < 0 {
			return dp.WrapKeyErr(cfgKeyQueues+"."+name+"."+cfgKeyRate, ErrInvalidRate)
		}
		if q.FaultPolicy == "" {
			continue
		}
		if q.FaultPolicy, err = ParseFaultPolicy(string(q.FaultPolicy)); err != nil {
			return dp.WrapKeyErr(cfgKeyQueues+"."+name+"."+cfgKeyFaultPolicy, err)
		}
		c.Queues[name] = q
	}
	return nil
}

// QueueNames returns names of the declared queues in sorted order.
func (c *Config) QueueNames() []string {
	names := make([]string, 0, len(c.Queues))
	for name := range c.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueueSettings returns the rate and options of the named queue, with defaults applied.
func (c *Config) QueueSettings(name string) (time.Duration, QueueOpts) {
	q := c.Queues[name]
	rate := time.Duration(q.Rate)
	if rate == 0 {
		rate = c.Rate
	}
	opts := QueueOpts{MailboxSize: q.MailboxSize, FaultPolicy: q.FaultPolicy}
	if opts.MailboxSize == 0 {
		opts.MailboxSize = c.MailboxSize
	}
	if opts.FaultPolicy == "" {
		opts.FaultPolicy = c.FaultPolicy
	}
	return rate, opts
}
