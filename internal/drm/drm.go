// Package drm models the DRM systems a track may be protected with and the
// protocol for resolving their content keys.
//
// The variant set is closed: ClearKey (AES-128 whole-file) and Widevine
// (CENC via an injected CDM). Descriptors are collected from manifest
// protection data or probed from init segments, then resolved vault-first
// with a CDM fallback by Resolver.
package drm

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// Errors returned during DRM resolution.
var (
	// ErrPSSHNotFound indicates no PSSH box was found in the probed data.
	ErrPSSHNotFound = errors.New("pssh box not found")

	// ErrKIDNotFound indicates a descriptor carries no key IDs.
	ErrKIDNotFound = errors.New("no key ID found in pssh and none provided")

	// ErrEmptyLicense indicates the license contained no content keys.
	ErrEmptyLicense = errors.New("license returned no content keys")

	// ErrKeyNotReturned indicates the requested KID was not resolved by the
	// vaults or the license exchange.
	ErrKeyNotReturned = errors.New("no content key for the requested key ID")

	// ErrNoKeyInVaults indicates a vault miss while vault-only mode is forced.
	ErrNoKeyInVaults = errors.New("no vault has a key for the key ID")

	// ErrUnsupportedKeySystem indicates a key declaration for a system
	// outside the supported set.
	ErrUnsupportedKeySystem = errors.New("unsupported key system")
)

// System identifies a supported DRM system. The numeric value is the
// selection priority: when a track carries multiple descriptors the one
// with the lowest value is used for decryption.
type System int

// Supported systems, in fixed priority order.
const (
	SystemClearKey System = iota
	SystemWidevine
)

// String returns the system name.
func (s System) String() string {
	switch s {
	case SystemClearKey:
		return "ClearKey"
	case SystemWidevine:
		return "Widevine"
	default:
		return "unknown"
	}
}

// Descriptor is the identifying data of one DRM system protecting a track.
type Descriptor interface {
	// System returns which DRM system this descriptor belongs to.
	System() System

	// Ready reports whether the descriptor holds everything needed to
	// decrypt (keys resolved, where applicable).
	Ready() bool

	// Clone returns an independent copy. Tracks are resolved concurrently,
	// so a descriptor shared between tracks must be cloned per track.
	Clone() Descriptor
}

// CloneDescriptors clones every descriptor in the list. Nil entries and a
// nil list pass through unchanged.
func CloneDescriptors(descriptors []Descriptor) []Descriptor {
	if descriptors == nil {
		return nil
	}
	out := make([]Descriptor, len(descriptors))
	for i, d := range descriptors {
		if d != nil {
			out[i] = d.Clone()
		}
	}
	return out
}

// Select picks the single descriptor to use for decryption from the
// descriptors a track carries: the one with the lowest system priority
// index. It returns false when the list is empty.
func Select(descriptors []Descriptor) (Descriptor, bool) {
	var best Descriptor
	for _, d := range descriptors {
		if d == nil {
			continue
		}
		if best == nil || d.System() < best.System() {
			best = d
		}
	}
	return best, best != nil
}

// SessionID identifies an open CDM session.
type SessionID []byte

// ContentKey is a single KID to content-key mapping returned by a CDM.
type ContentKey struct {
	KID uuid.UUID
	Key string // lowercase hex
}

// CDM is the opaque content-decryption-module capability. Implementations
// wrap an actual Widevine device; this package only drives the session
// protocol. Sessions are opened and closed per resolution attempt and are
// never shared across tracks.
type CDM interface {
	OpenSession() (SessionID, error)
	CloseSession(id SessionID) error

	// ServiceCertificateChallenge returns the challenge that requests the
	// service certificate from the license server.
	ServiceCertificateChallenge() []byte

	SetServiceCertificate(id SessionID, certificate []byte) error
	GetLicenseChallenge(id SessionID, pssh *PSSH) ([]byte, error)
	ParseLicense(id SessionID, license []byte) error

	// ContentKeys returns the CONTENT-type keys loaded into the session.
	ContentKeys(id SessionID) ([]ContentKey, error)
}

// LicenseFunc performs the service-specific license exchange: it sends the
// challenge to the license server and returns the raw license response.
type LicenseFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// CertificateFunc obtains the service certificate for privacy mode.
type CertificateFunc func(ctx context.Context, challenge []byte) ([]byte, error)

// Decryptor is the external packager capability that produces a decrypted
// sibling of the given file. A non-nil error corresponds to a nonzero exit
// code of the underlying binary.
type Decryptor interface {
	Decrypt(ctx context.Context, path string, keys map[uuid.UUID]string) (string, error)
}
