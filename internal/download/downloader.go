package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ripline/ripline/internal/httpclient"
	"github.com/ripline/ripline/internal/track"
)

const (
	defaultWorkers       = 16
	defaultRetryAttempts = 4
	defaultRetryDelay    = 2 * time.Second
	defaultSpeedInterval = 5 * time.Second
)

// Fetcher fetches one URL, optionally byte-ranged. The HTTP client's
// transient retry and decompression sit below this interface.
type Fetcher interface {
	GetRange(ctx context.Context, url, byteRange string, header http.Header) ([]byte, error)
}

// Request is one track's segment download: an optional init segment
// followed by media segments assembled in index order. Normalize, when
// set, rewrites each media segment's bytes before assembly.
type Request struct {
	Init      *track.Segment
	Segments  []track.Segment
	Header    http.Header
	Normalize func([]byte) []byte
}

// Downloader fans segment fetches out over a bounded worker pool and
// assembles the results in strict segment order regardless of
// completion order. Zero-valued fields take package defaults.
type Downloader struct {
	Client        Fetcher
	Workers       int
	RetryAttempts int
	RetryDelay    time.Duration
	SpeedInterval time.Duration
	Logger        *slog.Logger
}

// Download fetches req into w. Any segment exhausting its retry budget
// trips flag and fails the whole request; a flag tripped externally
// surfaces as ErrCancelled. Returns the number of bytes written.
func (d *Downloader) Download(ctx context.Context, flag *Flag, req Request, w io.Writer) (int64, error) {
	if flag == nil {
		flag = NewFlag()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var initData []byte
	if req.Init != nil {
		data, err := d.fetchSegment(ctx, flag, *req.Init, req.Header)
		if err != nil {
			return 0, fmt.Errorf("init segment: %w", err)
		}
		initData = data
	}

	results := make([][]byte, len(req.Segments))

	var (
		firstErr   error
		errOnce    sync.Once
		windowSize atomic.Int64
		completed  atomic.Int64
	)
	fail := func(err error) {
		errOnce.Do(func() {
			firstErr = err
			flag.Set()
		})
	}

	reporterDone := d.startReporter(logger, &windowSize, &completed, len(req.Segments))

	workers := d.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	if workers > len(req.Segments) && len(req.Segments) > 0 {
		workers = len(req.Segments)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				if flag.IsSet() {
					return
				}
				data, err := d.fetchSegment(ctx, flag, req.Segments[i], req.Header)
				if err != nil {
					fail(fmt.Errorf("segment %d: %w", i, err))
					return
				}
				if req.Normalize != nil {
					data = req.Normalize(data)
				}
				results[i] = data
				windowSize.Add(int64(len(data)))
				completed.Add(1)
			}
		}()
	}

feed:
	for i := range req.Segments {
		select {
		case jobs <- i:
		case <-flag.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(reporterDone)

	if firstErr != nil {
		return 0, firstErr
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if flag.IsSet() {
		return 0, ErrCancelled
	}

	var written int64
	if len(initData) > 0 {
		n, err := w.Write(initData)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing init segment: %w", err)
		}
	}
	for i, data := range results {
		n, err := w.Write(data)
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("writing segment %d: %w", i, err)
		}
	}
	return written, nil
}

// fetchSegment fetches one segment with a bounded fixed-backoff retry
// budget. The flag and context are re-checked at every retry boundary so
// an abandoned run stops issuing requests.
func (d *Downloader) fetchSegment(ctx context.Context, flag *Flag, seg track.Segment, header http.Header) ([]byte, error) {
	if flag.IsSet() {
		return nil, ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	attempts := d.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	delay := d.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		data, err := d.Client.GetRange(ctx, seg.URL, seg.ByteRange, header)
		if err == nil {
			return data, nil
		}
		lastErr = err
		// Logical failures like a 404 never heal on retry.
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && !statusErr.Transient() {
			return nil, err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-flag.Done():
			return nil, ErrCancelled
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

// startReporter logs windowed aggregate throughput until the returned
// channel is closed. Workers only touch atomics, so reporting never
// blocks segment completion.
func (d *Downloader) startReporter(logger *slog.Logger, windowSize, completed *atomic.Int64, total int) chan struct{} {
	done := make(chan struct{})

	interval := d.SpeedInterval
	if interval <= 0 {
		interval = defaultSpeedInterval
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				delta := windowSize.Swap(0)
				if delta == 0 {
					continue
				}
				rate := uint64(float64(delta) / interval.Seconds())
				logger.Info("downloading",
					"speed", humanize.Bytes(rate)+"/s",
					"completed", completed.Load(),
					"total", total)
			}
		}
	}()

	return done
}
