package download

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/manifest/dash"
	"github.com/ripline/ripline/internal/manifest/hls"
	"github.com/ripline/ripline/internal/track"
)

const (
	defaultTrackWorkers  = 4
	defaultInitProbeSize = 20000
)

// Coordinator drives tracks through the download lifecycle: segment
// resolution, key resolution, segment download, and decryption. One
// track's fatal failure trips the shared flag so tracks still pending are
// cancelled instead of started.
type Coordinator struct {
	Downloader *Downloader
	Resolver   *drm.Resolver

	// Decryptor decrypts Widevine-protected downloads; ClearKey tracks
	// decrypt in-process and do not need it.
	Decryptor drm.Decryptor

	// TrackWorkers bounds how many tracks download at once.
	TrackWorkers int

	// InitProbeSize caps the byte range fetched from an init segment when
	// probing for protection boxes. Zero takes the package default.
	InitProbeSize int64

	// TempDir receives downloaded track files, named by run and track ID.
	TempDir string

	Header http.Header
}

// Run downloads every track in the collection. req supplies the license
// callbacks used when a protected track needs a key the vaults cannot
// answer. The first fatal error cancels the rest of the run and is
// returned.
func (c *Coordinator) Run(ctx context.Context, coll *track.Collection, req drm.Request) error {
	runID := ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
	flag := NewFlag()

	var (
		firstErr error
		errOnce  sync.Once
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			flag.Set()
		})
	}

	workers := c.TrackWorkers
	if workers <= 0 {
		workers = defaultTrackWorkers
	}

	jobs := make(chan track.Entry)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entry := range jobs {
				if flag.IsSet() {
					entry.Base().SetState(track.StateCancelled)
					continue
				}
				if err := c.runTrack(ctx, flag, runID, entry, req); err != nil {
					base := entry.Base()
					if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
						base.SetState(track.StateCancelled)
					} else {
						base.SetState(track.StateFailed)
					}
					fail(fmt.Errorf("track %s: %w", base.ID, err))
				}
			}
		}()
	}

	for _, entry := range coll.Tracks() {
		jobs <- entry
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// runTrack takes one track from pending to downloaded, and through
// decryption when it is protected.
func (c *Coordinator) runTrack(ctx context.Context, flag *Flag, runID string, entry track.Entry, req drm.Request) error {
	t := entry.Base()
	t.SetState(track.StateDownloading)

	plan, err := c.resolvePlan(ctx, t)
	if err != nil {
		return fmt.Errorf("resolving segments: %w", err)
	}
	if t.SegmentFilter != nil {
		kept := plan.Segments[:0]
		for _, seg := range plan.Segments {
			if t.SegmentFilter(seg) {
				kept = append(kept, seg)
			}
		}
		plan.Segments = kept
	}
	if len(plan.Segments) == 0 {
		return fmt.Errorf("no segments to download")
	}

	if !t.Protected() && plan.Init != nil {
		if err := c.probeInit(ctx, t, plan.Init); err != nil {
			return err
		}
	}

	var descriptor drm.Descriptor
	if t.Protected() {
		var ok bool
		descriptor, ok = drm.Select(t.DRM)
		if !ok {
			return drm.ErrUnsupportedKeySystem
		}
		if err := c.Resolver.Resolve(ctx, descriptor, req); err != nil {
			return fmt.Errorf("resolving keys: %w", err)
		}
	}

	path := filepath.Join(c.TempDir, runID+"-"+t.ID+trackExtension(entry))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating track file: %w", err)
	}

	dlReq := Request{
		Init:     plan.Init,
		Segments: plan.Segments,
		Header:   c.Header,
	}
	if sub, isSub := entry.(*track.Subtitle); isSub && !sub.Codec.Fragmented() && descriptor == nil {
		dlReq.Normalize = NormalizeSubtitleSegment
	}

	_, err = c.Downloader.Download(ctx, flag, dlReq, out)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return err
	}

	t.LocalPath = path
	t.SetState(track.StateDownloaded)
	t.FireDownloaded()

	if descriptor != nil {
		t.SetState(track.StateDecrypting)
		if err := c.decrypt(ctx, descriptor, path); err != nil {
			return fmt.Errorf("decrypting: %w", err)
		}
		t.DRM = nil
		t.SetState(track.StateDecrypted)
		t.FireDecrypted()
	}
	return nil
}

// resolvePlan turns the track's locator into downloadable segments. HLS
// tracks fetch their invariant playlist here; a playlist-level key fills
// in DRM the master never declared.
func (c *Coordinator) resolvePlan(ctx context.Context, t *track.Track) (*Plan, error) {
	switch t.Locator.Kind {
	case track.LocatorURL:
		return &Plan{Segments: []track.Segment{{URL: t.Locator.URL}}}, nil

	case track.LocatorDASH:
		p, err := dash.ResolveSegments(t.Locator)
		if err != nil {
			return nil, err
		}
		return &Plan{Init: p.Init, Segments: p.Segments}, nil

	case track.LocatorHLS:
		document, err := c.Downloader.Client.GetRange(ctx, t.Locator.URL, "", c.Header)
		if err != nil {
			return nil, fmt.Errorf("fetching playlist: %w", err)
		}
		p, err := hls.ResolveSegments(document, t.Locator.URL)
		if err != nil {
			return nil, err
		}
		if p.Key != nil && len(t.DRM) == 0 {
			t.DRM = []drm.Descriptor{p.Key}
		}
		return &Plan{Init: p.Init, Segments: p.Segments}, nil

	default:
		return nil, fmt.Errorf("unknown locator kind %d", t.Locator.Kind)
	}
}

// Plan is the downloadable form of a track: an optional init segment and
// the ordered media segments.
type Plan struct {
	Init     *track.Segment
	Segments []track.Segment
}

// probeInit fetches the head of the init segment and scans it for
// protection boxes. A track whose manifest declared no DRM may still be
// encrypted; conversely a clean probe confirms the track is clear.
func (c *Coordinator) probeInit(ctx context.Context, t *track.Track, init *track.Segment) error {
	byteRange := init.ByteRange
	if byteRange == "" {
		size := c.InitProbeSize
		if size <= 0 {
			size = defaultInitProbeSize
		}
		byteRange = fmt.Sprintf("0-%d", size-1)
	}
	data, err := c.Downloader.Client.GetRange(ctx, init.URL, byteRange, c.Header)
	if err != nil {
		return fmt.Errorf("probing init segment: %w", err)
	}

	pssh, kid, err := drm.ProbeInitData(data)
	if err != nil {
		// No protection boxes found. The track is treated as clear, but a
		// capped probe can also miss boxes sitting past the range.
		if c.Downloader.Logger != nil {
			c.Downloader.Logger.Warn("no protection data in init segment, assuming clear",
				"track", t.ID)
		}
		return nil
	}
	var extra []uuid.UUID
	if kid != nil {
		extra = append(extra, *kid)
	}
	wv, err := drm.NewWidevine(pssh, extra...)
	if err != nil {
		return fmt.Errorf("init segment pssh: %w", err)
	}
	t.DRM = []drm.Descriptor{wv}
	return nil
}

// decrypt routes the downloaded file through the descriptor's system.
func (c *Coordinator) decrypt(ctx context.Context, d drm.Descriptor, path string) error {
	switch v := d.(type) {
	case *drm.ClearKey:
		return v.DecryptFile(path)
	case *drm.Widevine:
		if c.Decryptor == nil {
			return fmt.Errorf("no decryptor configured for widevine track")
		}
		return v.Decrypt(ctx, c.Decryptor, path)
	default:
		return fmt.Errorf("%w: %s", drm.ErrUnsupportedKeySystem, d.System())
	}
}

func trackExtension(entry track.Entry) string {
	switch v := entry.(type) {
	case *track.Video:
		return "." + v.Codec.Extension()
	case *track.Audio:
		return "." + v.Codec.Extension()
	case *track.Subtitle:
		return "." + v.Codec.Extension()
	default:
		return ".bin"
	}
}
