package drm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ripline/ripline/internal/vault"
)

// Request carries the per-service callbacks a resolution may need. All
// fields are optional; resolution fails with a descriptive error when a
// needed callback is missing.
type Request struct {
	// Certificate exchanges a service certificate challenge with the
	// license server, enabling privacy mode for the license request.
	Certificate CertificateFunc

	// License exchanges a license challenge with the license server.
	License LicenseFunc

	// Fetch retrieves the key bytes behind a ClearKey key URI.
	Fetch func(ctx context.Context, url string) ([]byte, error)
}

// Resolver turns DRM descriptors into usable content keys. Vaults are
// consulted first; whatever they cannot answer goes through one license
// exchange, and every key learned either way is written back to the
// vaults.
type Resolver struct {
	Vaults *vault.Aggregator
	CDM    CDM

	// VaultsOnly forbids license exchanges: a vault miss is a failure.
	// CDMOnly skips the vaults entirely. The two are mutually exclusive.
	VaultsOnly bool
	CDMOnly    bool

	Logger *slog.Logger
}

// Resolve readies a descriptor of any supported system.
func (r *Resolver) Resolve(ctx context.Context, d Descriptor, req Request) error {
	switch t := d.(type) {
	case *Widevine:
		return r.ResolveWidevine(ctx, t, req)
	case *ClearKey:
		return r.ResolveClearKey(ctx, t, req)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedKeySystem, d.System())
	}
}

// ResolveClearKey fetches the key behind the descriptor's key URI if it
// is not already held.
func (r *Resolver) ResolveClearKey(ctx context.Context, ck *ClearKey, req Request) error {
	if ck.Ready() {
		return nil
	}
	if req.Fetch == nil {
		return fmt.Errorf("clearkey resolution needs a fetch callback")
	}
	return ck.Fetch(ctx, req.Fetch)
}

// ResolveWidevine acquires a content key for every KID the descriptor
// names. Keys found in a vault always win: a later license exchange never
// overwrites them.
func (r *Resolver) ResolveWidevine(ctx context.Context, w *Widevine, req Request) error {
	if !r.CDMOnly {
		r.lookupVaults(ctx, w)
	}
	if w.Ready() {
		return nil
	}

	if r.VaultsOnly {
		return fmt.Errorf("%w: %d of %d KIDs unresolved",
			ErrNoKeyInVaults, len(missingKIDs(w)), len(w.KIDs()))
	}
	if r.CDM == nil {
		return fmt.Errorf("no CDM configured and vaults could not resolve %s", w)
	}

	if err := w.License(ctx, r.CDM, req.Certificate, req.License); err != nil {
		return err
	}
	if !w.Ready() {
		return fmt.Errorf("%w: %v", ErrKeyNotReturned, missingKIDs(w))
	}

	r.storeKeys(ctx, w)
	return nil
}

// lookupVaults fills in any keys the vaults already hold. A hit in one
// vault is copied into the others so slower vaults converge over time.
func (r *Resolver) lookupVaults(ctx context.Context, w *Widevine) {
	if r.Vaults == nil || r.Vaults.Empty() {
		return
	}
	for _, kid := range missingKIDs(w) {
		key, source := r.Vaults.GetKey(ctx, kid)
		if key == "" {
			continue
		}
		w.SetKey(kid, key)
		if r.Logger != nil {
			r.Logger.Debug("key found in vault",
				slog.String("kid", vault.KIDHex(kid)),
				slog.String("vault", source.Name()))
		}
		if n := r.Vaults.AddKey(ctx, kid, key, source); n > 0 && r.Logger != nil {
			r.Logger.Debug("key copied to vaults",
				slog.String("kid", vault.KIDHex(kid)),
				slog.Int("vaults", n))
		}
	}
}

// storeKeys writes the descriptor's keys back to every vault. Null keys
// mark unprotected KIDs and are not stored.
func (r *Resolver) storeKeys(ctx context.Context, w *Widevine) {
	if r.Vaults == nil || r.Vaults.Empty() {
		return
	}
	keys := make(map[uuid.UUID]string)
	for kid, key := range w.ContentKeys() {
		if key == "" || vault.IsNullKey(key) {
			continue
		}
		keys[kid] = key
	}
	if len(keys) == 0 {
		return
	}
	if n := r.Vaults.AddKeys(ctx, keys); r.Logger != nil {
		r.Logger.Debug("license keys stored",
			slog.Int("keys", len(keys)), slog.Int("vaults", n))
	}
}

func missingKIDs(w *Widevine) []uuid.UUID {
	var missing []uuid.UUID
	for _, kid := range w.KIDs() {
		if _, ok := w.Key(kid); !ok {
			missing = append(missing, kid)
		}
	}
	return missing
}
