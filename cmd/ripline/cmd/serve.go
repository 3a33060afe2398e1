package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ripline/ripline/internal/config"
	"github.com/ripline/ripline/internal/database"
	"github.com/ripline/ripline/internal/httpclient"
	"github.com/ripline/ripline/internal/vault"
	"github.com/ripline/ripline/internal/vaultapi"
	"github.com/ripline/ripline/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Share the local key vault over HTTP",
	Long: `Start the key-share server.

Other ripline instances configured with a vault of type "api" can read
and contribute content keys through this server. The first configured
vault backs the server; writes from clients land there.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to")
	serveCmd.Flags().Int("port", 0, "port to listen on")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	if cmd.Flags().Changed("host") {
		cfg.Share.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Share.Port, _ = cmd.Flags().GetInt("port")
	}

	vaults, closeVaults, err := buildVaults(cfg.Vaults, logger)
	if err != nil {
		return err
	}
	defer closeVaults()
	if len(vaults) == 0 {
		return fmt.Errorf("no vaults configured, nothing to share")
	}

	srv := vaultapi.New(cfg.Share, vaults[0], logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down key-share server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Share.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down: %w", err)
	}
	return <-errCh
}

// buildVaults constructs every configured vault in declaration order. The
// returned closer releases the SQL connections.
func buildVaults(configs []config.VaultConfig, logger *slog.Logger) ([]vault.Vault, func(), error) {
	var (
		vaults []vault.Vault
		dbs    []*database.DB
	)
	closeAll := func() {
		for _, db := range dbs {
			if err := db.Close(); err != nil {
				logger.Warn("closing vault database", slog.Any("error", err))
			}
		}
	}

	var apiClient *httpclient.Client
	for _, vc := range configs {
		switch vc.Type {
		case "sql":
			db, err := database.New(vc.Database, logger)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("vault %s: %w", vc.Name, err)
			}
			dbs = append(dbs, db)
			vaults = append(vaults, vault.NewSQL(vc.Name, db.DB))

		case "api":
			if apiClient == nil {
				hcfg := httpclient.DefaultConfig()
				hcfg.UserAgent = version.UserAgent()
				hcfg.Logger = logger
				hcfg.Timeout = 30 * time.Second
				apiClient = httpclient.New(hcfg)
			}
			vaults = append(vaults, vault.NewAPI(vc.Name, vc.URI, vc.Token, apiClient))

		default:
			closeAll()
			return nil, nil, fmt.Errorf("vault %s: unknown type %q", vc.Name, vc.Type)
		}
	}
	return vaults, closeAll, nil
}
