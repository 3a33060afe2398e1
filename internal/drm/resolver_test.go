package drm

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripline/ripline/internal/vault"
)

// memVault is an in-memory single-service vault for resolver tests.
type memVault struct {
	name string
	keys map[uuid.UUID]string
}

func newMemVault(name string) *memVault {
	return &memVault{name: name, keys: make(map[uuid.UUID]string)}
}

func (m *memVault) Name() string { return m.name }

func (m *memVault) GetKey(_ context.Context, _ string, kid uuid.UUID) (string, error) {
	return m.keys[kid], nil
}

func (m *memVault) GetKeys(context.Context, string) (map[string]string, error) {
	out := make(map[string]string, len(m.keys))
	for kid, key := range m.keys {
		out[vault.KIDHex(kid)] = key
	}
	return out, nil
}

func (m *memVault) AddKey(_ context.Context, _ string, kid uuid.UUID, key string) (bool, error) {
	if _, ok := m.keys[kid]; ok {
		return false, nil
	}
	m.keys[kid] = key
	return true, nil
}

func (m *memVault) AddKeys(ctx context.Context, service string, keys map[uuid.UUID]string) (int, error) {
	added := 0
	for kid, key := range keys {
		ok, _ := m.AddKey(ctx, service, kid, key)
		if ok {
			added++
		}
	}
	return added, nil
}

func (m *memVault) Services(context.Context) ([]string, error) {
	return []string{"TEST"}, nil
}

func newTestWidevine(t *testing.T, kids ...uuid.UUID) *Widevine {
	t.Helper()
	w, err := NewWidevine(NewWidevinePSSH(kids))
	require.NoError(t, err)
	return w
}

func TestResolver_VaultHit(t *testing.T) {
	primary := newMemVault("primary")
	primary.keys[testKID] = "aa"
	secondary := newMemVault("secondary")

	r := &Resolver{Vaults: vault.NewAggregator("TEST", nil, primary, secondary)}
	w := newTestWidevine(t, testKID)

	require.NoError(t, r.ResolveWidevine(context.Background(), w, Request{}))
	assert.True(t, w.Ready())

	// The hit was copied into the vault that missed.
	assert.Equal(t, "aa", secondary.keys[testKID])
}

func TestResolver_VaultsOnlyMiss(t *testing.T) {
	r := &Resolver{
		Vaults:     vault.NewAggregator("TEST", nil, newMemVault("empty")),
		VaultsOnly: true,
	}
	w := newTestWidevine(t, testKID)

	err := r.ResolveWidevine(context.Background(), w, Request{})
	assert.ErrorIs(t, err, ErrNoKeyInVaults)
	assert.False(t, w.Ready())
}

func TestResolver_CDMFallbackStoresKeys(t *testing.T) {
	store := newMemVault("store")
	cdm := &fakeCDM{keys: []ContentKey{
		{KID: testKID, Key: "aa"},
		{KID: testKID2, Key: "00000000000000000000000000000000"},
	}}
	r := &Resolver{
		Vaults: vault.NewAggregator("TEST", nil, store),
		CDM:    cdm,
	}
	w := newTestWidevine(t, testKID)
	req := Request{License: func(_ context.Context, challenge []byte) ([]byte, error) {
		return challenge, nil
	}}

	require.NoError(t, r.ResolveWidevine(context.Background(), w, req))
	assert.True(t, w.Ready())

	// The real key was stored, the null key was not.
	assert.Equal(t, "aa", store.keys[testKID])
	_, held := store.keys[testKID2]
	assert.False(t, held)
}

func TestResolver_VaultWinsOverLicense(t *testing.T) {
	primary := newMemVault("primary")
	primary.keys[testKID] = "from-vault"

	cdm := &fakeCDM{keys: []ContentKey{
		{KID: testKID, Key: "from-license"},
		{KID: testKID2, Key: "bb"},
	}}
	r := &Resolver{Vaults: vault.NewAggregator("TEST", nil, primary), CDM: cdm}
	w := newTestWidevine(t, testKID, testKID2)
	req := Request{License: func(_ context.Context, challenge []byte) ([]byte, error) {
		return challenge, nil
	}}

	require.NoError(t, r.ResolveWidevine(context.Background(), w, req))

	key, ok := w.Key(testKID)
	require.True(t, ok)
	assert.Equal(t, "from-vault", key)
	key, ok = w.Key(testKID2)
	require.True(t, ok)
	assert.Equal(t, "bb", key)
}

func TestResolver_CDMOnlySkipsVaults(t *testing.T) {
	primary := newMemVault("primary")
	primary.keys[testKID] = "from-vault"

	cdm := &fakeCDM{keys: []ContentKey{{KID: testKID, Key: "from-license"}}}
	r := &Resolver{
		Vaults:  vault.NewAggregator("TEST", nil, primary),
		CDM:     cdm,
		CDMOnly: true,
	}
	w := newTestWidevine(t, testKID)
	req := Request{License: func(_ context.Context, challenge []byte) ([]byte, error) {
		return challenge, nil
	}}

	require.NoError(t, r.ResolveWidevine(context.Background(), w, req))

	key, _ := w.Key(testKID)
	assert.Equal(t, "from-license", key)
}

func TestResolver_NullLicenseKeyRejected(t *testing.T) {
	// A license answering the only requested KID with a null key must not
	// mark the descriptor ready; null keys prove the KID, not the key.
	cdm := &fakeCDM{keys: []ContentKey{
		{KID: testKID, Key: "00000000000000000000000000000000"},
	}}
	r := &Resolver{CDM: cdm}
	w := newTestWidevine(t, testKID)
	req := Request{License: func(_ context.Context, challenge []byte) ([]byte, error) {
		return challenge, nil
	}}

	err := r.ResolveWidevine(context.Background(), w, req)
	assert.ErrorIs(t, err, ErrKeyNotReturned)
	assert.False(t, w.Ready())
	assert.Empty(t, w.ContentKeys())
}

func TestResolver_LicenseMissingRequestedKID(t *testing.T) {
	cdm := &fakeCDM{keys: []ContentKey{{KID: testKID2, Key: "bb"}}}
	r := &Resolver{CDM: cdm}
	w := newTestWidevine(t, testKID)
	req := Request{License: func(_ context.Context, challenge []byte) ([]byte, error) {
		return challenge, nil
	}}

	err := r.ResolveWidevine(context.Background(), w, req)
	assert.ErrorIs(t, err, ErrKeyNotReturned)
}

func TestResolver_NoCDMConfigured(t *testing.T) {
	r := &Resolver{}
	w := newTestWidevine(t, testKID)

	err := r.ResolveWidevine(context.Background(), w, Request{})
	assert.Error(t, err)
}

func TestResolver_ResolveDispatch(t *testing.T) {
	t.Run("clearkey", func(t *testing.T) {
		r := &Resolver{}
		ck := &ClearKey{KeyURI: "https://example.com/key"}
		req := Request{Fetch: func(context.Context, string) ([]byte, error) {
			return make([]byte, 16), nil
		}}
		require.NoError(t, r.Resolve(context.Background(), ck, req))
		assert.True(t, ck.Ready())
	})

	t.Run("clearkey without fetch", func(t *testing.T) {
		r := &Resolver{}
		err := r.Resolve(context.Background(), &ClearKey{KeyURI: "u"}, Request{})
		assert.Error(t, err)
	})

	t.Run("unsupported descriptor", func(t *testing.T) {
		r := &Resolver{}
		err := r.Resolve(context.Background(), unsupportedDescriptor{}, Request{})
		assert.ErrorIs(t, err, ErrUnsupportedKeySystem)
	})
}

type unsupportedDescriptor struct{}

func (unsupportedDescriptor) System() System      { return System(99) }
func (unsupportedDescriptor) Ready() bool         { return false }
func (d unsupportedDescriptor) Clone() Descriptor { return d }
