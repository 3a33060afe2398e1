package track

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/language"
)

func TestTrack_StateDefaultsToPending(t *testing.T) {
	tr := &Track{ID: "a"}
	assert.Equal(t, StatePending, tr.State())

	tr.SetState(StateDownloading)
	assert.Equal(t, StateDownloading, tr.State())
}

func TestTrack_HooksFireOnce(t *testing.T) {
	var downloaded, decrypted int
	tr := &Track{
		ID:           "a",
		OnDownloaded: func(*Track) { downloaded++ },
		OnDecrypted:  func(*Track) { decrypted++ },
	}

	tr.FireDownloaded()
	tr.FireDownloaded()
	tr.FireDecrypted()
	tr.FireDecrypted()
	tr.FireDecrypted()

	assert.Equal(t, 1, downloaded)
	assert.Equal(t, 1, decrypted)
}

func TestTrack_CopyableIntoVariants(t *testing.T) {
	// Parsers build a base Track value and copy it into variant literals;
	// the copy must carry independent hook latches.
	var fired int
	base := Track{
		ID:           "a",
		Type:         TypeVideo,
		OnDownloaded: func(*Track) { fired++ },
	}

	v := &Video{Track: base, Codec: VideoAVC}
	v.FireDownloaded()
	v.FireDownloaded()
	assert.Equal(t, 1, fired)

	// the original base value is untouched by firing on the copy
	base.FireDownloaded()
	assert.Equal(t, 2, fired)
}

func TestTrack_NilHooksAreNoOps(t *testing.T) {
	tr := &Track{ID: "a"}
	assert.NotPanics(t, func() {
		tr.FireDownloaded()
		tr.FireDecrypted()
		tr.FireRepacked()
	})
}

func TestSubtitle_Validate(t *testing.T) {
	tests := []struct {
		name    string
		sub     Subtitle
		wantErr bool
	}{
		{"plain", Subtitle{}, false},
		{"sdh only", Subtitle{SDH: true}, false},
		{"cc only", Subtitle{ClosedCaption: true}, false},
		{"forced only", Subtitle{Forced: true}, false},
		{"cc and sdh", Subtitle{ClosedCaption: true, SDH: true}, true},
		{"forced and sdh", Subtitle{Forced: true, SDH: true}, true},
		{"forced and cc", Subtitle{Forced: true, ClosedCaption: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sub.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVideo_String(t *testing.T) {
	v := &Video{
		Track:   Track{ID: "a", Language: language.AmericanEnglish},
		Codec:   VideoHEVC,
		Range:   RangeHDR10,
		Bitrate: 8_000_000,
		Width:   3840,
		Height:  2160,
	}
	s := v.String()
	assert.Contains(t, s, "H.265")
	assert.Contains(t, s, "HDR10")
	assert.Contains(t, s, "3840x2160")
	assert.Contains(t, s, "8000 kb/s")
}

func TestAudio_String(t *testing.T) {
	a := &Audio{
		Track:    Track{ID: "a", Language: language.English},
		Codec:    AudioEC3,
		Bitrate:  768_000,
		Channels: 5.1,
		JOC:      16,
	}
	s := a.String()
	assert.Contains(t, s, "DD+")
	assert.Contains(t, s, "Atmos")
	assert.Contains(t, s, "5.1 ch")
}

func TestSubtitle_String(t *testing.T) {
	s := &Subtitle{
		Track:  Track{ID: "a", Language: language.French},
		Codec:  SubtitleVTT,
		Forced: true,
	}
	require.NoError(t, s.Validate())
	assert.Contains(t, s.String(), "[forced]")
	assert.Contains(t, s.String(), "VTT")
}
