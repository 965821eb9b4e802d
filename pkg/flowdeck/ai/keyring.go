// Package ai – keyring.go stores the provider API key in the operating
// system's native keyring (Linux: Secret Service/GNOME Keyring, macOS:
// Keychain, Windows: Credential Manager).
//
// Resolution order for the key: OS keyring → FLOWDECK_API_KEY /
// OPENAI_API_KEY environment variables → config file value.
package ai

import (
	"os"

	"github.com/zalando/go-keyring"
)

const (
	// keyringService is the service name used in the OS keyring.
	keyringService = "flowdeck"

	// keyringAPIKey is the key name for the provider API key.
	keyringAPIKey = "api_key"
)

// StoreAPIKey saves the API key to the OS keyring.
func StoreAPIKey(value string) error {
	return keyring.Set(keyringService, keyringAPIKey, value)
}

// DeleteAPIKey removes the API key from the OS keyring.
func DeleteAPIKey() error {
	return keyring.Delete(keyringService, keyringAPIKey)
}

// KeyringAvailable checks if the OS keyring is accessible.
func KeyringAvailable() bool {
	testKey := "__flowdeck_test__"
	if err := keyring.Set(keyringService, testKey, "test"); err != nil {
		return false
	}
	_ = keyring.Delete(keyringService, testKey)
	return true
}

// ResolveAPIKey returns the API key using the documented resolution order.
// configValue is the (least secure) value from the config file.
func ResolveAPIKey(configValue string) string {
	if val, err := keyring.Get(keyringService, keyringAPIKey); err == nil && val != "" {
		return val
	}
	for _, name := range []string{"FLOWDECK_API_KEY", "OPENAI_API_KEY"} {
		if val := os.Getenv(name); val != "" {
			return val
		}
	}
	return configValue
}
