package drm

import (
	"encoding/base64"
	"encoding/binary"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testKID  = uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	testKID2 = uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
)

// tencBox builds a minimal tenc box carrying the given default_KID.
func tencBox(kid uuid.UUID) []byte {
	box := make([]byte, 32)
	binary.BigEndian.PutUint32(box[:4], 32)
	copy(box[4:8], "tenc")
	copy(box[16:], kid[:])
	return box
}

func TestPSSH_RoundTrip(t *testing.T) {
	synth := NewWidevinePSSH([]uuid.UUID{testKID, testKID2})
	require.Equal(t, WidevineSystemID, synth.SystemID)
	require.NotEmpty(t, synth.Data)

	parsed, err := ParsePSSH(synth.RawBox())
	require.NoError(t, err)
	assert.Equal(t, WidevineSystemID, parsed.SystemID)
	assert.Equal(t, []uuid.UUID{testKID, testKID2}, parsed.KeyIDs)
	assert.Equal(t, synth.Data, parsed.Data)
}

func TestParsePSSH_NotFound(t *testing.T) {
	_, err := ParsePSSH([]byte("not an mp4 box at all"))
	assert.Error(t, err)
}

func TestParsePSSHBase64(t *testing.T) {
	synth := NewWidevinePSSH([]uuid.UUID{testKID})

	t.Run("boxed", func(t *testing.T) {
		parsed, err := ParsePSSHBase64(synth.Base64())
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{testKID}, parsed.KeyIDs)
	})

	t.Run("bare init data", func(t *testing.T) {
		parsed, err := ParsePSSHBase64(base64.StdEncoding.EncodeToString(synth.Data))
		require.NoError(t, err)
		assert.Equal(t, WidevineSystemID, parsed.SystemID)
		assert.Equal(t, []uuid.UUID{testKID}, parsed.KeyIDs)
	})

	t.Run("invalid base64", func(t *testing.T) {
		_, err := ParsePSSHBase64("!!!")
		assert.Error(t, err)
	})

	t.Run("valid base64, no pssh", func(t *testing.T) {
		_, err := ParsePSSHBase64(base64.StdEncoding.EncodeToString([]byte("junk")))
		assert.ErrorIs(t, err, ErrPSSHNotFound)
	})
}

func TestProbeInitData(t *testing.T) {
	psshBox := NewWidevinePSSH([]uuid.UUID{testKID}).RawBox()

	t.Run("pssh and tenc with leading garbage", func(t *testing.T) {
		data := append([]byte("ftypisom garbage prefix"), psshBox...)
		data = append(data, tencBox(testKID2)...)

		pssh, kid, err := ProbeInitData(data)
		require.NoError(t, err)
		require.NotNil(t, pssh)
		assert.Equal(t, WidevineSystemID, pssh.SystemID)
		assert.Equal(t, []uuid.UUID{testKID}, pssh.KeyIDs)
		require.NotNil(t, kid)
		assert.Equal(t, testKID2, *kid)
	})

	t.Run("tenc only synthesizes pssh", func(t *testing.T) {
		pssh, kid, err := ProbeInitData(tencBox(testKID2))
		require.NoError(t, err)
		require.NotNil(t, kid)
		assert.Equal(t, testKID2, *kid)
		assert.Equal(t, []uuid.UUID{testKID2}, pssh.KeyIDs)
	})

	t.Run("zero tenc KID rejected", func(t *testing.T) {
		_, _, err := ProbeInitData(tencBox(uuid.UUID{}))
		assert.ErrorIs(t, err, ErrPSSHNotFound)
	})

	t.Run("nothing found", func(t *testing.T) {
		_, _, err := ProbeInitData([]byte("no boxes here"))
		assert.ErrorIs(t, err, ErrPSSHNotFound)
	})

	t.Run("truncated box ignored", func(t *testing.T) {
		_, _, err := ProbeInitData(psshBox[:20])
		assert.ErrorIs(t, err, ErrPSSHNotFound)
	})
}

func TestParseKID(t *testing.T) {
	want := testKID

	tests := []struct {
		name  string
		input string
	}{
		{"uuid", want.String()},
		{"hex", "000000000000000000000000000000aa"},
		{"base64", base64.StdEncoding.EncodeToString(want[:])},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseKID(tt.input)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := ParseKID("not a kid")
	assert.Error(t, err)
}
