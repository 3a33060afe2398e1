package dash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripline/ripline/internal/manifest"
	"github.com/ripline/ripline/internal/track"
)

func dashLocator(doc, manifestURL, repID string) track.Locator {
	return track.Locator{
		Kind:             track.LocatorDASH,
		ManifestURL:      manifestURL,
		Document:         doc,
		PeriodIndex:      0,
		AdaptationIndex:  0,
		RepresentationID: repID,
	}
}

func TestResolveSegments_TemplateTimeline(t *testing.T) {
	doc := string(mpdDoc(`<Period id="p0" duration="PT30S">
  <BaseURL>video/</BaseURL>
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <SegmentTemplate initialization="$RepresentationID$/init.mp4" media="$RepresentationID$/t$Time$.m4s" timescale="1000">
      <SegmentTimeline>
        <S t="0" d="5000" r="2"/>
        <S d="4000"/>
      </SegmentTimeline>
    </SegmentTemplate>
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period>`))

	plan, err := ResolveSegments(dashLocator(doc, manifestURL, "hd"))
	require.NoError(t, err)

	require.NotNil(t, plan.Init)
	assert.Equal(t, "https://cdn.example.com/title/video/hd/init.mp4?token=abc", plan.Init.URL)

	require.Len(t, plan.Segments, 4)
	assert.Equal(t, "https://cdn.example.com/title/video/hd/t0.m4s?token=abc", plan.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/title/video/hd/t5000.m4s?token=abc", plan.Segments[1].URL)
	assert.Equal(t, "https://cdn.example.com/title/video/hd/t10000.m4s?token=abc", plan.Segments[2].URL)
	assert.Equal(t, "https://cdn.example.com/title/video/hd/t15000.m4s?token=abc", plan.Segments[3].URL)
	assert.Equal(t, 5.0, plan.Segments[0].Duration)
	assert.Equal(t, 4.0, plan.Segments[3].Duration)
}

func TestResolveSegments_TemplateDuration(t *testing.T) {
	doc := string(mpdDoc(`<Period id="p0" duration="PT30S">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <SegmentTemplate initialization="init-$Bandwidth$.mp4" media="seg-$Number%05d$.m4s" duration="2000" timescale="1000" startNumber="1"/>
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period>`))

	plan, err := ResolveSegments(dashLocator(doc, manifestURL, "hd"))
	require.NoError(t, err)

	require.NotNil(t, plan.Init)
	assert.Equal(t, "https://cdn.example.com/title/init-6000000.mp4?token=abc", plan.Init.URL)

	// 30s period at 2s per segment
	require.Len(t, plan.Segments, 15)
	assert.Equal(t, "https://cdn.example.com/title/seg-00001.m4s?token=abc", plan.Segments[0].URL)
	assert.Equal(t, "https://cdn.example.com/title/seg-00015.m4s?token=abc", plan.Segments[14].URL)
	assert.Equal(t, 2.0, plan.Segments[0].Duration)
}

func TestResolveSegments_TemplateFromAdaptationSet(t *testing.T) {
	// the template lives on the adaptation set, not the representation
	doc := string(mpdDoc(`<Period id="p0" duration="PT4S">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <SegmentTemplate media="https://media.example.com/$RepresentationID$/$Number$.m4s" duration="2" startNumber="10"/>
    <Representation id="sd" codecs="avc1.64001f" bandwidth="3000000"/>
  </AdaptationSet>
</Period>`))

	plan, err := ResolveSegments(dashLocator(doc, manifestURL, "sd"))
	require.NoError(t, err)

	assert.Nil(t, plan.Init)
	require.Len(t, plan.Segments, 2)
	assert.Equal(t, "https://media.example.com/sd/10.m4s?token=abc", plan.Segments[0].URL)
	assert.Equal(t, "https://media.example.com/sd/11.m4s?token=abc", plan.Segments[1].URL)
}

func TestResolveSegments_SegmentList(t *testing.T) {
	doc := string(mpdDoc(`<Period id="p0">
  <AdaptationSet contentType="audio" mimeType="audio/mp4" lang="en">
    <Representation id="audio" codecs="mp4a.40.2" bandwidth="128000">
      <BaseURL>https://media.example.com/audio/</BaseURL>
      <SegmentList>
        <Initialization sourceURL="init.mp4" range="0-862"/>
        <SegmentURL media="seg-1.m4s"/>
        <SegmentURL media="seg-2.m4s" mediaRange="100-200"/>
        <SegmentURL/>
      </SegmentList>
    </Representation>
  </AdaptationSet>
</Period>`))

	plan, err := ResolveSegments(dashLocator(doc, manifestURL, "audio"))
	require.NoError(t, err)

	require.NotNil(t, plan.Init)
	assert.Equal(t, "https://media.example.com/audio/init.mp4", plan.Init.URL)
	assert.Equal(t, "0-862", plan.Init.ByteRange)

	require.Len(t, plan.Segments, 3)
	assert.Equal(t, "https://media.example.com/audio/seg-1.m4s", plan.Segments[0].URL)
	assert.Equal(t, "https://media.example.com/audio/seg-2.m4s", plan.Segments[1].URL)
	assert.Equal(t, "100-200", plan.Segments[1].ByteRange)
	// a SegmentURL without media falls back to the base resource
	assert.Equal(t, "https://media.example.com/audio/", plan.Segments[2].URL)
}

func TestResolveSegments_BaseURLOnly(t *testing.T) {
	doc := string(mpdDoc(`<Period id="p0">
  <AdaptationSet contentType="audio" mimeType="audio/mp4" lang="en">
    <Representation id="audio" codecs="mp4a.40.2" bandwidth="128000">
      <BaseURL>audio/whole.mp4</BaseURL>
    </Representation>
  </AdaptationSet>
</Period>`))

	plan, err := ResolveSegments(dashLocator(doc, manifestURL, "audio"))
	require.NoError(t, err)

	assert.Nil(t, plan.Init)
	require.Len(t, plan.Segments, 1)
	assert.Equal(t, "https://cdn.example.com/title/audio/whole.mp4", plan.Segments[0].URL)
}

func TestResolveSegments_Errors(t *testing.T) {
	t.Run("wrong locator kind", func(t *testing.T) {
		_, err := ResolveSegments(track.Locator{Kind: track.LocatorURL})
		require.Error(t, err)
	})

	t.Run("unknown representation", func(t *testing.T) {
		doc := string(mpdDoc(`<Period id="p0">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period>`))

		_, err := ResolveSegments(dashLocator(doc, manifestURL, "nope"))
		require.Error(t, err)
	})

	t.Run("template without media", func(t *testing.T) {
		doc := string(mpdDoc(`<Period id="p0">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <SegmentTemplate initialization="init.mp4"/>
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period>`))

		_, err := ResolveSegments(dashLocator(doc, manifestURL, "hd"))
		require.ErrorIs(t, err, manifest.ErrNoSegmentStrategy)
	})

	t.Run("no strategy at all", func(t *testing.T) {
		doc := string(mpdDoc(`<Period id="p0">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period>`))

		loc := dashLocator(doc, "", "hd")
		_, err := ResolveSegments(loc)
		require.ErrorIs(t, err, manifest.ErrNoSegmentStrategy)
	})

	t.Run("missing period duration", func(t *testing.T) {
		doc := `<MPD><Period id="p0">
  <AdaptationSet contentType="video" mimeType="video/mp4" lang="en">
    <SegmentTemplate media="seg-$Number$.m4s" duration="2"/>
    <Representation id="hd" codecs="avc1.640028" bandwidth="6000000"/>
  </AdaptationSet>
</Period></MPD>`

		_, err := ResolveSegments(dashLocator(doc, manifestURL, "hd"))
		require.Error(t, err)
	})
}

func TestParseISODuration(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "PT30S", want: 30},
		{in: "PT1H2M3.5S", want: 3723.5},
		{in: "PT2M", want: 120},
		{in: "P0Y0M0DT30M", want: 1800},
		{in: "pt10s", want: 10},
		{in: "30", wantErr: true},
		{in: "P1D", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseISODuration(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReplaceFields(t *testing.T) {
	got := replaceFields("seg-$RepresentationID$-$Number%05d$-$Time$.m4s", map[string]any{
		"RepresentationID": "hd",
		"Number":           7,
		"Time":             int64(14000),
	})
	assert.Equal(t, "seg-hd-00007-14000.m4s", got)
}
