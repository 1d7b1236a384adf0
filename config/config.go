/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package config loads configuration for rate queues and their surrounding service
// from files, readers and environment variables, using viper under the hood.
package config

// Config is implemented by every configuration object the Loader can fill.
type Config interface {
	SetProviderDefaults(dp DataProvider)
	Set(dp DataProvider) error
}

// KeyPrefixProvider is implemented by configs whose keys live under a common prefix (e.g. "ratequeue").
type KeyPrefixProvider interface {
	KeyPrefix() string
}
