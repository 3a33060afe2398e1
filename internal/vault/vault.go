// Package vault defines the key vault contract and its backends.
//
// A vault stores content keys addressed by (service, KID). Backends share
// one behavioral contract: reads for unknown services or KIDs return a
// miss, never an error; null (all-zero) keys are rejected on write and
// filtered on read.
package vault

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Errors shared by vault backends.
var (
	// ErrNoPermission indicates the vault exists but cannot be written to
	// or its tables cannot be created.
	ErrNoPermission = errors.New("vault permission denied")

	// ErrRateLimited indicates the remote vault refused the request rate.
	ErrRateLimited = errors.New("vault rate limited")

	// ErrInvalidService indicates the vault rejected the service tag.
	ErrInvalidService = errors.New("invalid service tag")

	// ErrInvalidKID indicates the vault rejected the key ID.
	ErrInvalidKID = errors.New("invalid key ID")

	// ErrInvalidKey indicates a key that must not be stored: empty or null.
	ErrInvalidKey = errors.New("invalid content key")
)

// Vault is a single key store.
//
// GetKey and GetKeys treat unknown services and KIDs as misses and return
// empty results. AddKey reports whether the key was newly stored; AddKeys
// reports how many of the given keys were.
type Vault interface {
	Name() string

	GetKey(ctx context.Context, service string, kid uuid.UUID) (string, error)
	GetKeys(ctx context.Context, service string) (map[string]string, error)
	AddKey(ctx context.Context, service string, kid uuid.UUID, key string) (bool, error)
	AddKeys(ctx context.Context, service string, keys map[uuid.UUID]string) (int, error)
	Services(ctx context.Context) ([]string, error)
}

// IsNullKey reports whether key is a null key: non-empty text consisting
// of nothing but '0' characters. Null keys prove a KID exists but carry
// no usable key material.
func IsNullKey(key string) bool {
	return key != "" && strings.Count(key, "0") == len(key)
}

// ValidateKey rejects keys that must never be stored.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if IsNullKey(key) {
		return fmt.Errorf("%w: null key", ErrInvalidKey)
	}
	return nil
}

// KIDHex renders a KID the way vaults store it: 32 lowercase hex chars,
// no dashes.
func KIDHex(kid uuid.UUID) string {
	return hex.EncodeToString(kid[:])
}
