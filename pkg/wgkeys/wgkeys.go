// Package wgkeys generates WireGuard key material.
// Keys are Curve25519, base64 encoded, exactly as the wg tooling produces them.
package wgkeys

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// GenerateKeypair returns a new (private, public) keypair.
// A failure of the system RNG is not recoverable, so we panic.
func GenerateKeypair() (private, public string) {
	key, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		panic(fmt.Sprintf("Unable to generate WireGuard private key: %v", err))
	}
	return key.String(), key.PublicKey().String()
}

// GeneratePresharedKey returns a new random pre-shared key.
func GeneratePresharedKey() string {
	key, err := wgtypes.GenerateKey()
	if err != nil {
		panic(fmt.Sprintf("Unable to generate WireGuard pre-shared key: %v", err))
	}
	return key.String()
}

// PublicFromPrivate derives the public key for a base64 private key.
func PublicFromPrivate(private string) (string, error) {
	key, err := wgtypes.ParseKey(private)
	if err != nil {
		return "", err
	}
	return key.PublicKey().String(), nil
}

// ValidateKey returns an error if 'key' is not a valid base64 WireGuard key.
func ValidateKey(key string) error {
	_, err := wgtypes.ParseKey(key)
	return err
}
