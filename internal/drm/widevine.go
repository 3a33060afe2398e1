package drm

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"github.com/google/uuid"

	"github.com/ripline/ripline/internal/vault"
)

// Widevine is a CENC protection descriptor. It carries the init data and
// key IDs discovered in the manifest or init segment, and accumulates
// resolved content keys.
type Widevine struct {
	pssh *PSSH
	kids []uuid.UUID
	keys map[uuid.UUID]string
}

// NewWidevine builds a descriptor from a pssh and any additional key IDs
// known from the manifest (tenc default_KID, cenc:default_KID attributes).
// The union is deduplicated; at least one KID must be known.
func NewWidevine(pssh *PSSH, extraKIDs ...uuid.UUID) (*Widevine, error) {
	if pssh == nil {
		return nil, ErrPSSHNotFound
	}
	seen := make(map[uuid.UUID]struct{})
	var kids []uuid.UUID
	for _, kid := range append(append([]uuid.UUID{}, pssh.KeyIDs...), extraKIDs...) {
		if kid == (uuid.UUID{}) {
			continue
		}
		if _, ok := seen[kid]; ok {
			continue
		}
		seen[kid] = struct{}{}
		kids = append(kids, kid)
	}
	if len(kids) == 0 {
		return nil, ErrKIDNotFound
	}
	return &Widevine{pssh: pssh, kids: kids, keys: make(map[uuid.UUID]string)}, nil
}

// System implements Descriptor.
func (w *Widevine) System() System { return SystemWidevine }

// Ready implements Descriptor. All known KIDs must have a key.
func (w *Widevine) Ready() bool {
	for _, kid := range w.kids {
		if _, ok := w.keys[kid]; !ok {
			return false
		}
	}
	return len(w.kids) > 0
}

// Clone implements Descriptor. The pssh is immutable and stays shared;
// kids and the key map are copied.
func (w *Widevine) Clone() Descriptor {
	keys := make(map[uuid.UUID]string, len(w.keys))
	for kid, key := range w.keys {
		keys[kid] = key
	}
	return &Widevine{
		pssh: w.pssh,
		kids: append([]uuid.UUID{}, w.kids...),
		keys: keys,
	}
}

// PSSH returns the protection header this descriptor was built from.
func (w *Widevine) PSSH() *PSSH { return w.pssh }

// KIDs returns the known key IDs in discovery order.
func (w *Widevine) KIDs() []uuid.UUID {
	return append([]uuid.UUID{}, w.kids...)
}

// ContentKeys returns a copy of the resolved KID to key map.
func (w *Widevine) ContentKeys() map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(w.keys))
	for kid, key := range w.keys {
		out[kid] = key
	}
	return out
}

// Key returns the resolved key for kid, if any.
func (w *Widevine) Key(kid uuid.UUID) (string, bool) {
	key, ok := w.keys[kid]
	return key, ok
}

// SetKey records a resolved content key.
func (w *Widevine) SetKey(kid uuid.UUID, key string) {
	w.keys[kid] = key
}

// String renders the descriptor for logs: KIDs with resolution state, keys
// themselves never included.
func (w *Widevine) String() string {
	resolved := 0
	for _, kid := range w.kids {
		if _, ok := w.keys[kid]; ok {
			resolved++
		}
	}
	ids := make([]string, len(w.kids))
	for i, kid := range w.kids {
		ids[i] = hex.EncodeToString(kid[:])
	}
	sort.Strings(ids)
	return fmt.Sprintf("Widevine(%d/%d keys: %v)", resolved, len(w.kids), ids)
}

// License runs one full license exchange through the CDM and merges every
// CONTENT key from the response. certificate is optional; when set the
// session runs in privacy mode. Keys already present (vault hits) are not
// overwritten.
func (w *Widevine) License(ctx context.Context, cdm CDM, certificate CertificateFunc, license LicenseFunc) error {
	session, err := cdm.OpenSession()
	if err != nil {
		return fmt.Errorf("opening cdm session: %w", err)
	}
	defer cdm.CloseSession(session)

	if certificate != nil {
		cert, err := certificate(ctx, cdm.ServiceCertificateChallenge())
		if err != nil {
			return fmt.Errorf("getting service certificate: %w", err)
		}
		if len(cert) > 0 {
			if err := cdm.SetServiceCertificate(session, cert); err != nil {
				return fmt.Errorf("setting service certificate: %w", err)
			}
		}
	}

	challenge, err := cdm.GetLicenseChallenge(session, w.pssh)
	if err != nil {
		return fmt.Errorf("building license challenge: %w", err)
	}
	response, err := license(ctx, challenge)
	if err != nil {
		return fmt.Errorf("license exchange: %w", err)
	}
	if err := cdm.ParseLicense(session, response); err != nil {
		return fmt.Errorf("parsing license: %w", err)
	}
	keys, err := cdm.ContentKeys(session)
	if err != nil {
		return fmt.Errorf("reading session keys: %w", err)
	}
	if len(keys) == 0 {
		return ErrEmptyLicense
	}
	for _, key := range keys {
		// Null keys prove the KID exists but carry no key material; merging
		// one would mark the descriptor ready and feed decryption garbage.
		if vault.IsNullKey(key.Key) {
			continue
		}
		if _, ok := w.keys[key.KID]; ok {
			continue
		}
		w.keys[key.KID] = key.Key
	}
	return nil
}

// Decrypt runs the external decryptor over path using every resolved key
// and replaces the file with the decrypted output.
func (w *Widevine) Decrypt(ctx context.Context, dec Decryptor, path string) error {
	if !w.Ready() {
		return fmt.Errorf("cannot decrypt: %s", w)
	}
	out, err := dec.Decrypt(ctx, path, w.ContentKeys())
	if err != nil {
		return fmt.Errorf("decrypting %s: %w", path, err)
	}
	if out != "" && out != path {
		return replaceFile(out, path)
	}
	return nil
}

func replaceFile(src, dst string) error {
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(src, dst)
}
