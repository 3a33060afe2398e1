package hls

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/manifest"
)

const mediaURL = "https://cdn.example.com/title/video/1080.m3u8"

func TestResolveSegments_Clear(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.006,
seg1.m4s
#EXTINF:6.006,
seg2.m4s
#EXTINF:3.2,
seg3.m4s
#EXT-X-ENDLIST
`
	plan, err := ResolveSegments([]byte(doc), mediaURL)
	require.NoError(t, err)

	require.NotNil(t, plan.Init)
	assert.Equal(t, "https://cdn.example.com/title/video/init.mp4", plan.Init.URL)
	assert.Empty(t, plan.Init.ByteRange)
	assert.Nil(t, plan.Key)

	require.Len(t, plan.Segments, 3)
	assert.Equal(t, "https://cdn.example.com/title/video/seg1.m4s", plan.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/title/video/seg3.m4s", plan.Segments[2].URL)
	assert.InDelta(t, 6.006, plan.Segments[0].Duration, 0.001)
	assert.InDelta(t, 3.2, plan.Segments[2].Duration, 0.001)
}

func TestResolveSegments_ByteRanges(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-BYTERANGE:1433@0
#EXTINF:6.0,
whole.mp4
#EXT-X-BYTERANGE:357392
#EXTINF:6.0,
whole.mp4
#EXT-X-BYTERANGE:1000
#EXTINF:6.0,
whole.mp4
#EXT-X-ENDLIST
`
	plan, err := ResolveSegments([]byte(doc), mediaURL)
	require.NoError(t, err)

	require.Len(t, plan.Segments, 3)
	assert.Equal(t, "0-1432", plan.Segments[0].ByteRange)
	// continuation ranges start where the previous one ended
	assert.Equal(t, "1433-358824", plan.Segments[1].ByteRange)
	assert.Equal(t, "358825-359824", plan.Segments[2].ByteRange)
}

func TestResolveSegments_AES128Key(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k1",IV=0x00000000000000000000000000000001
#EXTINF:6.0,
seg1.ts
#EXTINF:6.0,
seg2.ts
#EXT-X-ENDLIST
`
	plan, err := ResolveSegments([]byte(doc), mediaURL)
	require.NoError(t, err)

	require.NotNil(t, plan.Key)
	ck, ok := plan.Key.(*drm.ClearKey)
	require.True(t, ok)
	assert.Equal(t, drm.SystemClearKey, ck.System())
	assert.Equal(t, "https://keys.example.com/k1", ck.KeyURI)
	assert.False(t, ck.Ready())
}

func TestResolveSegments_RelativeKeyURIResolved(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="keys/k1.bin"
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`
	plan, err := ResolveSegments([]byte(doc), mediaURL)
	require.NoError(t, err)

	require.NotNil(t, plan.Key)
	ck, ok := plan.Key.(*drm.ClearKey)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/title/video/keys/k1.bin", ck.KeyURI)
}

func TestResolveSegments_WidevineKey(t *testing.T) {
	kid := uuid.MustParse("00000000-0000-0000-0000-0000000000bb")
	pssh := drm.NewWidevinePSSH([]uuid.UUID{kid}).Base64()

	doc := fmt.Sprintf(`#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="data:text/plain;base64,%s",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYFORMATVERSIONS="1"
#EXT-X-MAP:URI="init.mp4"
#EXTINF:6.0,
seg1.m4s
#EXT-X-ENDLIST
`, pssh)

	plan, err := ResolveSegments([]byte(doc), mediaURL)
	require.NoError(t, err)

	require.NotNil(t, plan.Key)
	wv, ok := plan.Key.(*drm.Widevine)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{kid}, wv.KIDs())
}

func TestResolveSegments_KeyRotationRejected(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k1"
#EXTINF:6.0,
seg1.ts
#EXT-X-KEY:METHOD=AES-128,URI="https://keys.example.com/k2"
#EXTINF:6.0,
seg2.ts
#EXT-X-ENDLIST
`
	_, err := ResolveSegments([]byte(doc), mediaURL)
	require.ErrorIs(t, err, manifest.ErrKeyRotation)
}

func TestResolveSegments_Errors(t *testing.T) {
	t.Run("master playlist rejected", func(t *testing.T) {
		doc := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028"
video/1080.m3u8
`
		_, err := ResolveSegments([]byte(doc), mediaURL)
		require.Error(t, err)
	})

	t.Run("unsupported key system", func(t *testing.T) {
		doc := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-KEY:METHOD=SAMPLE-AES,URI="skd://service",KEYFORMAT="com.apple.streamingkeydelivery"
#EXTINF:6.0,
seg1.ts
#EXT-X-ENDLIST
`
		_, err := ResolveSegments([]byte(doc), mediaURL)
		require.ErrorIs(t, err, drm.ErrUnsupportedKeySystem)
	})
}
