package hls

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

const masterURL = "https://cdn.example.com/title/master.m3u8"

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",DEFAULT=YES,AUTOSELECT=YES,CHANNELS="2",URI="audio/en/stereo.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English (Forced)",LANGUAGE="en",FORCED=YES,AUTOSELECT=YES,URI="subs/en-forced.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,FRAME-RATE=25.000,AUDIO="aac",SUBTITLES="subs"
video/720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080,FRAME-RATE=25.000,AUDIO="aac",SUBTITLES="subs"
video/1080.m3u8
`

func TestParse_MasterPlaylist(t *testing.T) {
	col, err := Parse([]byte(masterPlaylist), masterURL, language.English)
	require.NoError(t, err)

	// the audio group is shared, so it yields exactly one track
	require.Len(t, col.Videos, 2)
	require.Len(t, col.Audio, 1)
	require.Len(t, col.Subtitles, 1)

	col.SortVideos()
	hd := col.Videos[0]
	assert.Equal(t, 6000000, hd.Bitrate)
	assert.Equal(t, track.VideoAVC, hd.Codec)
	assert.Equal(t, 1920, hd.Width)
	assert.Equal(t, 1080, hd.Height)
	assert.Equal(t, 25.0, hd.FPS)
	assert.Equal(t, track.RangeSDR, hd.Range)
	assert.Equal(t, track.LocatorHLS, hd.Locator.Kind)
	assert.Equal(t, "https://cdn.example.com/title/video/1080.m3u8", hd.Locator.URL)
	assert.True(t, hd.OriginalLang)

	audio := col.Audio[0]
	assert.Equal(t, track.AudioAAC, audio.Codec, "codec comes from the variant CODECS attribute")
	assert.Equal(t, 2.0, audio.Channels)
	assert.Equal(t, "English", audio.Name)
	assert.Equal(t, language.English, audio.Language)
	assert.Equal(t, "https://cdn.example.com/title/audio/en/stereo.m3u8", audio.Locator.URL)

	sub := col.Subtitles[0]
	assert.Equal(t, track.SubtitleVTT, sub.Codec)
	assert.True(t, sub.Forced)
	assert.False(t, sub.SDH)
}

func TestParse_TrackIDsAreStable(t *testing.T) {
	first, err := Parse([]byte(masterPlaylist), masterURL, language.English)
	require.NoError(t, err)
	second, err := Parse([]byte(masterPlaylist), masterURL, language.English)
	require.NoError(t, err)

	require.Len(t, first.Videos, 2)
	assert.NotEqual(t, first.Videos[0].ID, first.Videos[1].ID)
	assert.Equal(t, first.Videos[0].ID, second.Videos[0].ID)
	assert.Equal(t, first.Audio[0].ID, second.Audio[0].ID)
}

func TestParse_AudioOnlyVariant(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=192000,CODECS="mp4a.40.2"
audio/main.m3u8
`
	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	assert.Empty(t, col.Videos)
	require.Len(t, col.Audio, 1)
	assert.Equal(t, track.AudioAAC, col.Audio[0].Codec)
	assert.Equal(t, 192000, col.Audio[0].Bitrate)
}

func TestParse_AtmosAndAccessibility(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="atmos",NAME="English (Atmos)",LANGUAGE="en",CHANNELS="16/JOC",URI="audio/atmos.m3u8"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="atmos",NAME="English (AD)",LANGUAGE="en",CHARACTERISTICS="public.accessibility.describes-video",CHANNELS="2",URI="audio/ad.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English (SDH)",LANGUAGE="en",CHARACTERISTICS="public.accessibility.describes-music-and-sound",URI="subs/en-sdh.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="hvc1.2.4.L153.B0,ec-3",RESOLUTION=3840x2160,AUDIO="atmos",SUBTITLES="subs"
video/2160.m3u8
`
	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Audio, 2)
	require.Len(t, col.Subtitles, 1)

	byName := make(map[string]*track.Audio)
	for _, a := range col.Audio {
		byName[a.Name] = a
	}

	atmos := byName["English (Atmos)"]
	require.NotNil(t, atmos)
	assert.Equal(t, track.AudioEC3, atmos.Codec)
	assert.Equal(t, 5.1, atmos.Channels)
	assert.Equal(t, 16, atmos.JOC)
	assert.False(t, atmos.Descriptive)

	ad := byName["English (AD)"]
	require.NotNil(t, ad)
	assert.True(t, ad.Descriptive)
	assert.Equal(t, 2.0, ad.Channels)

	assert.True(t, col.Subtitles[0].SDH)
	assert.False(t, col.Subtitles[0].Forced)
}

func TestParse_VideoRangeAndDolbyVision(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=12000000,CODECS="hvc1.2.4.L153.B0",RESOLUTION=3840x2160,VIDEO-RANGE=PQ
video/hdr.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=14000000,CODECS="dvhe.05.06",RESOLUTION=3840x2160,VIDEO-RANGE=PQ
video/dv.m3u8
`
	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Videos, 2)

	byURL := make(map[string]*track.Video)
	for _, v := range col.Videos {
		byURL[v.Locator.URL] = v
	}
	assert.Equal(t, track.RangeHDR10, byURL["https://cdn.example.com/title/video/hdr.m3u8"].Range)
	assert.Equal(t, track.RangeDV, byURL["https://cdn.example.com/title/video/dv.m3u8"].Range)
}

func TestParse_SessionKeys(t *testing.T) {
	kid := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	pssh := drm.NewWidevinePSSH([]uuid.UUID{kid}).Base64()

	doc := fmt.Sprintf(`#EXTM3U
#EXT-X-SESSION-KEY:METHOD=SAMPLE-AES,URI="data:text/plain;base64,%s",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYFORMATVERSIONS="1"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",URI="audio/en.m3u8"
#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="English",LANGUAGE="en",URI="subs/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080,AUDIO="aac",SUBTITLES="subs"
video/1080.m3u8
`, pssh)

	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Videos, 1)
	require.Len(t, col.Audio, 1)
	require.Len(t, col.Subtitles, 1)

	require.Len(t, col.Videos[0].DRM, 1)
	wv, ok := col.Videos[0].DRM[0].(*drm.Widevine)
	require.True(t, ok)
	assert.Equal(t, []uuid.UUID{kid}, wv.KIDs())

	assert.Len(t, col.Audio[0].DRM, 1, "session keys protect audio renditions")
	assert.Empty(t, col.Subtitles[0].DRM, "subtitles are never encrypted")
}

func TestParse_SessionKeyDescriptorsIndependentPerTrack(t *testing.T) {
	kid := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	pssh := drm.NewWidevinePSSH([]uuid.UUID{kid}).Base64()

	doc := fmt.Sprintf(`#EXTM3U
#EXT-X-SESSION-KEY:METHOD=SAMPLE-AES,URI="data:text/plain;base64,%s",KEYFORMAT="urn:uuid:edef8ba9-79d6-4ace-a3c8-27dcd51d21ed",KEYFORMATVERSIONS="1"
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,CODECS="avc1.64001f,mp4a.40.2",RESOLUTION=1280x720,AUDIO="aac"
video/720.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028,mp4a.40.2",RESOLUTION=1920x1080,AUDIO="aac"
video/1080.m3u8
`, pssh)

	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Videos, 2)
	require.Len(t, col.Audio, 1)

	first, ok := col.Videos[0].DRM[0].(*drm.Widevine)
	require.True(t, ok)
	second, ok := col.Videos[1].DRM[0].(*drm.Widevine)
	require.True(t, ok)
	audio, ok := col.Audio[0].DRM[0].(*drm.Widevine)
	require.True(t, ok)

	// tracks are resolved concurrently, so each must own its descriptor
	require.NotSame(t, first, second)
	require.NotSame(t, first, audio)
	assert.Equal(t, first.KIDs(), second.KIDs())

	first.SetKey(kid, "6192b7e6d3b54e8a9e7cdca39008e34d")
	assert.True(t, first.Ready())
	assert.False(t, second.Ready(), "keys resolved on one track must not leak into another")
	assert.False(t, audio.Ready())
}

func TestParse_RelativeSessionKeyURIResolved(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-SESSION-KEY:METHOD=AES-128,URI="keys/k1.bin",IV=0x00000000000000000000000000000001
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028",RESOLUTION=1920x1080
video/1080.m3u8
`
	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Videos, 1)
	require.Len(t, col.Videos[0].DRM, 1)

	ck, ok := col.Videos[0].DRM[0].(*drm.ClearKey)
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/title/keys/k1.bin", ck.KeyURI)
}

func TestParse_AudioGroupWithoutVariantCodecs(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="aac",NAME="English",LANGUAGE="en",URI="audio/en.m3u8"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,RESOLUTION=1920x1080,AUDIO="aac"
video/1080.m3u8
`
	_, err := Parse([]byte(doc), masterURL, language.English)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `audio group "aac"`)
}

func TestParse_SessionKeyNoneMeansClear(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-SESSION-KEY:METHOD=NONE
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028",RESOLUTION=1920x1080
video/1080.m3u8
`
	col, err := Parse([]byte(doc), masterURL, language.English)
	require.NoError(t, err)
	require.Len(t, col.Videos, 1)
	assert.Empty(t, col.Videos[0].DRM)
}

func TestParse_UnsupportedSessionKey(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-SESSION-KEY:METHOD=SAMPLE-AES,URI="skd://service",KEYFORMAT="com.apple.streamingkeydelivery"
#EXT-X-STREAM-INF:BANDWIDTH=6000000,CODECS="avc1.640028",RESOLUTION=1920x1080
video/1080.m3u8
`
	_, err := Parse([]byte(doc), masterURL, language.English)
	require.ErrorIs(t, err, drm.ErrUnsupportedKeySystem)
}

func TestParse_NotMaster(t *testing.T) {
	doc := `#EXTM3U
#EXT-X-VERSION:7
#EXT-X-TARGETDURATION:6
#EXTINF:6.006,
seg1.ts
#EXT-X-ENDLIST
`
	_, err := Parse([]byte(doc), masterURL, language.English)
	require.ErrorIs(t, err, manifest.ErrNotMaster)
}

func TestParseHLSChannels(t *testing.T) {
	tests := []struct {
		value        string
		wantChannels float64
		wantJOC      int
		wantErr      bool
	}{
		{value: "2", wantChannels: 2},
		{value: "6", wantChannels: 6},
		{value: "16/JOC", wantChannels: 5.1, wantJOC: 16},
		{value: ""},
		{value: "stereo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			channels, joc, err := parseHLSChannels(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantChannels, channels)
			assert.Equal(t, tt.wantJOC, joc)
		})
	}
}
