// Command zarrserve serves Parquet-backed datasets over the Zarr v2 HTTP
// protocol.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/justapithecus/zarrserve/internal/config"
	"github.com/justapithecus/zarrserve/internal/server"
	"github.com/justapithecus/zarrserve/zarrserve"
)

var (
	configPath string
	listenAddr string
	logLevel   string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "zarrserve",
	Short: "Serve datasets over the Zarr v2 protocol",
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Loads the datasets listed in the configuration file and serves them at
/datasets/<name>/. Zarr clients open a dataset with consolidated metadata at
that URL.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and assemble every dataset's metadata",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "zarrserve.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", "", "Listen address override")

	rootCmd.AddCommand(serveCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if listenAddr != "" {
		cfg.Listen = listenAddr
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err = zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func openServices(ctx context.Context, cfg *config.Config) ([]*zarrserve.Service, error) {
	cache := zarrserve.NewCache(cfg.Cache.Capacity, zarrserve.WithHalfLife(cfg.Cache.HalfLife))

	services := make([]*zarrserve.Service, 0, len(cfg.Datasets))
	for _, dc := range cfg.Datasets {
		ds, err := config.Open(ctx, dc)
		if err != nil {
			return nil, fmt.Errorf("dataset %q: %w", dc.Name, err)
		}
		svc := zarrserve.NewService(ds, cache,
			zarrserve.WithName(dc.Name),
			zarrserve.WithLogger(logger.With(zap.String("dataset", dc.Name))),
		)
		// Assemble eagerly so a broken dataset fails at startup.
		if _, err := svc.Metadata(); err != nil {
			return nil, fmt.Errorf("dataset %q: %w", dc.Name, err)
		}
		services = append(services, svc)
	}
	return services, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := openServices(ctx, cfg)
	if err != nil {
		return err
	}

	srv, err := server.New(services,
		server.WithLogger(logger),
		server.WithTimeout(cfg.Timeout()),
	)
	if err != nil {
		return err
	}
	return srv.ListenAndServe(ctx, cfg.Listen)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	services, err := openServices(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	for _, svc := range services {
		meta, _ := svc.Metadata()
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d variables\n", svc.Name(), len(meta.Variables()))
	}
	return nil
}
