package vault

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubVault is a scriptable in-memory vault.
type stubVault struct {
	name    string
	keys    map[uuid.UUID]string
	readErr error
	addErr  error
}

func newStubVault(name string) *stubVault {
	return &stubVault{name: name, keys: make(map[uuid.UUID]string)}
}

func (s *stubVault) Name() string { return s.name }

func (s *stubVault) GetKey(_ context.Context, _ string, kid uuid.UUID) (string, error) {
	if s.readErr != nil {
		return "", s.readErr
	}
	return s.keys[kid], nil
}

func (s *stubVault) GetKeys(context.Context, string) (map[string]string, error) {
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := make(map[string]string, len(s.keys))
	for kid, key := range s.keys {
		out[KIDHex(kid)] = key
	}
	return out, nil
}

func (s *stubVault) AddKey(_ context.Context, _ string, kid uuid.UUID, key string) (bool, error) {
	if s.addErr != nil {
		return false, s.addErr
	}
	if _, ok := s.keys[kid]; ok {
		return false, nil
	}
	s.keys[kid] = key
	return true, nil
}

func (s *stubVault) AddKeys(ctx context.Context, service string, keys map[uuid.UUID]string) (int, error) {
	if s.addErr != nil {
		return 0, s.addErr
	}
	added := 0
	for kid, key := range keys {
		if ok, _ := s.AddKey(ctx, service, kid, key); ok {
			added++
		}
	}
	return added, nil
}

func (s *stubVault) Services(context.Context) ([]string, error) {
	return nil, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregator_GetKeyFirstHitWins(t *testing.T) {
	first := newStubVault("first")
	second := newStubVault("second")
	first.keys[sqlKID] = "from-first"
	second.keys[sqlKID] = "from-second"

	agg := NewAggregator("SVC", discardLogger(), first, second)
	key, source := agg.GetKey(context.Background(), sqlKID)

	assert.Equal(t, "from-first", key)
	require.NotNil(t, source)
	assert.Equal(t, "first", source.Name())
}

func TestAggregator_GetKeySkipsErrorsAndNulls(t *testing.T) {
	broken := newStubVault("broken")
	broken.readErr = errors.New("connection refused")
	nullOnly := newStubVault("nulls")
	nullOnly.keys[sqlKID] = "00000000000000000000000000000000"
	good := newStubVault("good")
	good.keys[sqlKID] = "real-key"

	agg := NewAggregator("SVC", discardLogger(), broken, nullOnly, good)
	key, source := agg.GetKey(context.Background(), sqlKID)

	assert.Equal(t, "real-key", key)
	assert.Equal(t, "good", source.Name())
}

func TestAggregator_GetKeyMiss(t *testing.T) {
	agg := NewAggregator("SVC", discardLogger(), newStubVault("empty"))
	key, source := agg.GetKey(context.Background(), sqlKID)
	assert.Empty(t, key)
	assert.Nil(t, source)
}

func TestAggregator_AddKeyExcludesSource(t *testing.T) {
	source := newStubVault("source")
	other := newStubVault("other")

	agg := NewAggregator("SVC", discardLogger(), source, other)
	stored := agg.AddKey(context.Background(), sqlKID, "aa11", source)

	assert.Equal(t, 1, stored)
	_, inSource := source.keys[sqlKID]
	assert.False(t, inSource)
	assert.Equal(t, "aa11", other.keys[sqlKID])
}

func TestAggregator_AddKeyAbsorbsFailures(t *testing.T) {
	broken := newStubVault("broken")
	broken.addErr = errors.New("read only")
	good := newStubVault("good")

	agg := NewAggregator("SVC", discardLogger(), broken, good)
	stored := agg.AddKey(context.Background(), sqlKID, "aa11", nil)

	assert.Equal(t, 1, stored)
	assert.Equal(t, "aa11", good.keys[sqlKID])
}

func TestAggregator_AddKeyRefusesNull(t *testing.T) {
	good := newStubVault("good")
	agg := NewAggregator("SVC", discardLogger(), good)

	stored := agg.AddKey(context.Background(), sqlKID, "0000", nil)
	assert.Zero(t, stored)
	assert.Empty(t, good.keys)
}

func TestAggregator_AddKeysFiltersInvalid(t *testing.T) {
	good := newStubVault("good")
	agg := NewAggregator("SVC", discardLogger(), good)

	stored := agg.AddKeys(context.Background(), map[uuid.UUID]string{
		sqlKID:  "aa11",
		sqlKID2: "0000",
	})

	assert.Equal(t, 1, stored)
	assert.Equal(t, "aa11", good.keys[sqlKID])
	_, held := good.keys[sqlKID2]
	assert.False(t, held)
}

func TestAggregator_Empty(t *testing.T) {
	assert.True(t, NewAggregator("SVC", discardLogger()).Empty())
	assert.False(t, NewAggregator("SVC", discardLogger(), newStubVault("v")).Empty())
}
