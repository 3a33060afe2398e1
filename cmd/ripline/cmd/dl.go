package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/ripline/ripline/internal/download"
	"github.com/ripline/ripline/internal/drm"
	"github.com/ripline/ripline/internal/httpclient"
	"github.com/ripline/ripline/internal/manifest/dash"
	"github.com/ripline/ripline/internal/manifest/hls"
	"github.com/ripline/ripline/internal/track"
	"github.com/ripline/ripline/internal/vault"
	"github.com/ripline/ripline/internal/version"
)

var (
	dlService   string
	dlLang      string
	dlQuality   int
	dlAudioMax  int
	dlListOnly  bool
	dlAllVideos bool
)

var dlCmd = &cobra.Command{
	Use:   "dl <manifest-url>",
	Short: "Download the tracks behind a DASH or HLS manifest",
	Long: `Resolve a manifest into tracks, select what to keep, and download the
selected tracks into the output directory.

Keys for protected tracks are looked up in the configured vaults. Tracks
the vaults cannot unlock fail the run.`,
	Args: cobra.ExactArgs(1),
	RunE: runDL,
}

func init() {
	rootCmd.AddCommand(dlCmd)

	dlCmd.Flags().StringVar(&dlService, "service", "", "vault service tag (default: manifest host)")
	dlCmd.Flags().StringVar(&dlLang, "lang", "en", "preferred (and fallback original) language")
	dlCmd.Flags().IntVarP(&dlQuality, "quality", "q", 0, "video frame height to keep, 0 keeps the best")
	dlCmd.Flags().IntVar(&dlAudioMax, "audio-per-lang", 1, "audio tracks to keep per language, 0 keeps all")
	dlCmd.Flags().BoolVar(&dlAllVideos, "all-videos", false, "keep every video rendition")
	dlCmd.Flags().BoolVar(&dlListOnly, "list", false, "list the resolved tracks without downloading")
}

func runDL(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()
	manifestURL := args[0]

	preferred, err := language.Parse(dlLang)
	if err != nil {
		return fmt.Errorf("parsing --lang: %w", err)
	}

	hcfg := httpclient.DefaultConfig()
	hcfg.UserAgent = version.UserAgent()
	hcfg.Logger = logger
	if cfg.HTTP.Timeout > 0 {
		hcfg.Timeout = cfg.HTTP.Timeout
	}
	if cfg.HTTP.UserAgent != "" {
		hcfg.UserAgent = cfg.HTTP.UserAgent
	}
	client := httpclient.New(hcfg)

	document, err := client.GetBytes(cmd.Context(), manifestURL, nil)
	if err != nil {
		return fmt.Errorf("fetching manifest: %w", err)
	}

	var coll *track.Collection
	if bytes.HasPrefix(bytes.TrimSpace(document), []byte("#EXTM3U")) {
		coll, err = hls.Parse(document, manifestURL, preferred)
	} else {
		coll, err = dash.Parse(document, manifestURL, preferred, nil)
	}
	if err != nil {
		return fmt.Errorf("parsing manifest: %w", err)
	}

	coll.SortVideos(preferred)
	coll.SortAudio(preferred)
	coll.SortSubtitles(preferred)

	switch {
	case dlQuality > 0:
		coll.SelectVideos(track.ByResolution(dlQuality))
		if len(coll.Videos) == 0 {
			return fmt.Errorf("no video rendition at %dp", dlQuality)
		}
	case !dlAllVideos:
		best := true
		coll.SelectVideos(func(*track.Video) bool {
			keep := best
			best = false
			return keep
		})
	}
	keepLang := track.ByLanguage(preferred)
	coll.SelectAudio(func(a *track.Audio) bool { return keepLang(&a.Track) })
	coll.SelectSubtitles(func(s *track.Subtitle) bool { return keepLang(&s.Track) })
	if dlAudioMax > 0 {
		coll.AudioPerLanguage(dlAudioMax)
	}
	if coll.Len() == 0 {
		return fmt.Errorf("selection matched no tracks")
	}

	fmt.Println(coll)
	if dlListOnly {
		return nil
	}

	vaults, closeVaults, err := buildVaults(cfg.Vaults, logger)
	if err != nil {
		return err
	}
	defer closeVaults()

	service := dlService
	if service == "" {
		service = serviceTagFromURL(manifestURL)
	}

	tempDir := cfg.Storage.TempPath()
	outDir := cfg.Storage.OutputPath()
	for _, dir := range []string{tempDir, outDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	coordinator := &download.Coordinator{
		Downloader: &download.Downloader{
			Client:        client,
			Workers:       cfg.Downloader.Workers,
			RetryAttempts: cfg.Downloader.RetryAttempts,
			RetryDelay:    cfg.Downloader.RetryDelay,
			SpeedInterval: cfg.Downloader.SpeedInterval,
			Logger:        logger,
		},
		Resolver: &drm.Resolver{
			Vaults:     vault.NewAggregator(service, logger, vaults...),
			VaultsOnly: cfg.DRM.VaultsOnly,
			CDMOnly:    cfg.DRM.CDMOnly,
			Logger:     logger,
		},
		TrackWorkers:  cfg.Downloader.TrackWorkers,
		InitProbeSize: int64(cfg.Downloader.InitProbeSize),
		TempDir:       tempDir,
	}

	req := drm.Request{
		Fetch: func(ctx context.Context, u string) ([]byte, error) {
			return client.GetBytes(ctx, u, nil)
		},
	}
	if err := coordinator.Run(cmd.Context(), coll, req); err != nil {
		return err
	}

	for _, entry := range coll.Tracks() {
		t := entry.Base()
		dest := filepath.Join(outDir, filepath.Base(t.LocalPath))
		if err := os.Rename(t.LocalPath, dest); err != nil {
			return fmt.Errorf("moving %s: %w", t.ID, err)
		}
		t.LocalPath = dest
		logger.Info("track ready",
			slog.String("track", t.ID),
			slog.String("path", dest))
	}
	return nil
}

// serviceTagFromURL derives a vault service tag from the manifest host,
// e.g. cdn.example.com becomes EXAMPLE.
func serviceTagFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "UNKNOWN"
	}
	labels := strings.Split(u.Hostname(), ".")
	if len(labels) >= 2 {
		return strings.ToUpper(labels[len(labels)-2])
	}
	return strings.ToUpper(labels[0])
}
