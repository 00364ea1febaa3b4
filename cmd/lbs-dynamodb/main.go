package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fusionfoto/kivaloo/pkg/config"
	"github.com/fusionfoto/kivaloo/pkg/deleteto"
	"github.com/fusionfoto/kivaloo/pkg/dispatch"
	"github.com/fusionfoto/kivaloo/pkg/kv"
	"github.com/fusionfoto/kivaloo/pkg/kv/dynamo"
	"github.com/fusionfoto/kivaloo/pkg/kv/local"
	"github.com/fusionfoto/kivaloo/pkg/log"
	"github.com/fusionfoto/kivaloo/pkg/metrics"
	"github.com/fusionfoto/kivaloo/pkg/queue"
	"github.com/fusionfoto/kivaloo/pkg/serverpool"
	"github.com/fusionfoto/kivaloo/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lbs-dynamodb",
	Short: "Log-backed block storage server over DynamoDB",
	Long: `lbs-dynamodb serves an append-only array of fixed-size blocks over a
stream socket, materializing blocks as items in DynamoDB (or a local
database for development). It is intended as the backing store of a
B+Tree: clients append blocks, read them back, and free everything below
a watermark once it is garbage.`,
	Version: Version,
	RunE:    run,
}

func init() {
	// Set version template
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"lbs-dynamodb version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("config", "", "Path to YAML configuration file")
	rootCmd.Flags().String("listen", "", "Address for the LBS protocol socket")
	rootCmd.Flags().String("store", "", "KV backend: dynamodb or local")
	rootCmd.Flags().String("data-dir", "", "Database directory for the local store")
	rootCmd.Flags().String("region", "", "AWS region")
	rootCmd.Flags().String("table", "", "DynamoDB table name")
	rootCmd.Flags().String("endpoint", "", "DynamoDB endpoint (host:port, resolved via DNS)")
	rootCmd.Flags().Int("opps", 0, "Operations per second while rate limited")
	rootCmd.Flags().Uint32("block-len", 0, "Block length in bytes")
	rootCmd.Flags().Int("readers", 0, "Number of reader workers")
	rootCmd.Flags().String("metrics-addr", "", "Address for the Prometheus /metrics endpoint")
	rootCmd.Flags().String("request-log", "", "File receiving one line per KV request")

	// Initialize logging before command execution
	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      logLevel,
		JSONOutput: logJSON,
	})
}

// loadConfig layers flag overrides on top of the config file
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("listen") {
		cfg.Listen, _ = cmd.Flags().GetString("listen")
	}
	if cmd.Flags().Changed("store") {
		cfg.Store, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir, _ = cmd.Flags().GetString("data-dir")
	}
	if cmd.Flags().Changed("region") {
		cfg.Region, _ = cmd.Flags().GetString("region")
	}
	if cmd.Flags().Changed("table") {
		cfg.Table, _ = cmd.Flags().GetString("table")
	}
	if cmd.Flags().Changed("endpoint") {
		cfg.Endpoint, _ = cmd.Flags().GetString("endpoint")
	}
	if cmd.Flags().Changed("opps") {
		cfg.OpsPerSec, _ = cmd.Flags().GetInt("opps")
	}
	if cmd.Flags().Changed("block-len") {
		cfg.BlockLen, _ = cmd.Flags().GetUint32("block-len")
	}
	if cmd.Flags().Changed("readers") {
		cfg.Readers, _ = cmd.Flags().GetInt("readers")
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.MetricsAddr, _ = cmd.Flags().GetString("metrics-addr")
	}
	if cmd.Flags().Changed("request-log") {
		cfg.RequestLog, _ = cmd.Flags().GetString("request-log")
	}

	return cfg, cfg.Validate()
}

// buildStore constructs the configured KV backend. The returned cleanup
// releases resources the store does not own itself.
func buildStore(cfg *config.Config) (kv.Store, func(), error) {
	if cfg.Store == config.StoreLocal {
		st, err := local.New(cfg.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return st, func() {}, nil
	}

	var pool *serverpool.Pool
	var err error
	if len(cfg.Endpoints) > 0 {
		pool, err = serverpool.NewStatic(cfg.Endpoints)
	} else {
		pool, err = serverpool.New(cfg.Endpoint, time.Minute)
	}
	if err != nil {
		return nil, nil, err
	}

	keyID := cfg.AWSKeyID
	keySecret := cfg.AWSKeySecret
	if keyID == "" {
		keyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if keySecret == "" {
		keySecret = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}
	if keyID == "" || keySecret == "" {
		pool.Stop()
		return nil, nil, fmt.Errorf("AWS credentials are required for the dynamodb store")
	}

	qcfg := queue.Config{
		KeyID:     keyID,
		KeySecret: keySecret,
		Region:    cfg.Region,
		Pool:      pool,
		OpsPerSec: cfg.OpsPerSec,
	}
	var reqlog *os.File
	if cfg.RequestLog != "" {
		reqlog, err = os.OpenFile(cfg.RequestLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			pool.Stop()
			return nil, nil, fmt.Errorf("opening request log: %w", err)
		}
		qcfg.RequestLog = reqlog
	}

	q, err := queue.New(qcfg)
	if err != nil {
		pool.Stop()
		return nil, nil, err
	}

	cleanup := func() {
		pool.Stop()
		if reqlog != nil {
			_ = reqlog.Close()
		}
	}
	return dynamo.New(q, cfg.Table, int(cfg.BlockLen)), cleanup, nil
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Logger.Info().
		Str("version", Version).
		Str("store", cfg.Store).
		Str("listen", cfg.Listen).
		Uint32("blocklen", cfg.BlockLen).
		Int("readers", cfg.Readers).
		Msg("Starting lbs-dynamodb")

	store, cleanup, err := buildStore(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer store.Close()

	sstate, err := storage.New(store, cfg.BlockLen)
	if err != nil {
		return err
	}

	del, err := deleteto.Init(store)
	if err != nil {
		return err
	}

	d, err := dispatch.New(sstate, del, cfg.Readers)
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Logger.Info().Str("addr", cfg.MetricsAddr).Msg("Serving metrics")
	}

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}

	// Close the listener on SIGINT/SIGTERM; the accept loop then falls
	// through to the shutdown path.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		_ = ln.Close()
	}()

	// One client at a time: accept, serve to completion, re-accept.
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Logger.Error().Err(err).Msg("Accept failed")
			continue
		}
		d.Serve(nc)
	}

	// Drain the deletion controller so the final watermark is durable.
	d.Close()
	del.Stop()

	log.Logger.Info().Msg("Shutdown complete")
	return nil
}
