package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/flashmev/flashblocks-relay/internal/config"
	"github.com/flashmev/flashblocks-relay/internal/hub"
	"github.com/flashmev/flashblocks-relay/internal/relay"
	"github.com/flashmev/flashblocks-relay/internal/sequence"
	"github.com/flashmev/flashblocks-relay/internal/upstream"
)

const initialConnectTimeout = 30 * time.Second

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	// Add file output if enabled
	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(logCfg.Directory, fmt.Sprintf("relay_%s.log", timestamp))
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, logFile)
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:          "flashblocks-relay",
		Short:        "Relay an upstream flashblocks feed to SSE and WebSocket subscribers",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", os.Getenv("FLASHRELAY_CONFIG"), "config file path (or set FLASHRELAY_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return err
	}

	logger, err := setupLogger(verbose, &cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return err
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("upstream", cfg.Upstream.URL),
		zap.String("port", cfg.Server.Port),
		zap.String("ssePolicy", cfg.Stream.SSEPolicy),
		zap.String("wsPolicy", cfg.Stream.WSPolicy),
		zap.Int("subscriberBuffer", cfg.Stream.SubscriberBuffer),
		zap.Duration("backoffMin", cfg.Upstream.BackoffMin),
		zap.Duration("backoffMax", cfg.Upstream.BackoffMax),
	)

	connector := upstream.New(upstream.Config{
		URL:            cfg.Upstream.URL,
		BackoffMin:     cfg.Upstream.BackoffMin,
		BackoffMax:     cfg.Upstream.BackoffMax,
		MaxRetries:     cfg.Upstream.MaxRetries,
		DialRatePerSec: cfg.Upstream.DialRatePerSec,
		EventBuffer:    cfg.Upstream.EventBuffer,
		PingInterval:   cfg.Upstream.PingInterval,
		PongWait:       cfg.Upstream.PongWait,
	}, logger)

	// The first connect is not retried: a bad URL or dead upstream at boot
	// should fail loudly instead of backing off in the background.
	connectCtx, connectCancel := context.WithTimeout(ctx, initialConnectTimeout)
	err = connector.Connect(connectCtx)
	connectCancel()
	if err != nil {
		logger.Error("initial upstream connect failed", zap.Error(err))
		return err
	}

	encoder, err := relay.NewEncoder()
	if err != nil {
		logger.Error("failed to create encoder", zap.Error(err))
		return err
	}
	defer encoder.Close()

	// Policies were validated with the config.
	ssePolicy, _ := hub.ParsePolicy(cfg.Stream.SSEPolicy)
	wsPolicy, _ := hub.ParsePolicy(cfg.Stream.WSPolicy)

	hb := hub.New(logger)
	pipeline := relay.NewPipeline(connector, sequence.New(logger), hb, logger)
	sse := relay.NewSSEHandler(hb, encoder, ssePolicy, cfg.Stream.SubscriberBuffer, cfg.Stream.Heartbeat, logger)
	ws := relay.NewWSHandler(hb, encoder, wsPolicy, cfg.Stream.SubscriberBuffer, logger)

	router := relay.NewRouter(pipeline, sse, ws, logger)

	// No write timeout: SSE and WebSocket responses are long-lived.
	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	pipelineErr := make(chan error, 1)
	go func() { pipelineErr <- pipeline.Run(runCtx) }()

	go func() {
		logger.Info("starting server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
		}
	}()

	var fatal error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-pipelineErr:
		if err != nil {
			fatal = err
		}
	}

	logger.Info("shutting down...")
	cancelRun()
	connector.Close()
	hb.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	if fatal != nil {
		logger.Error("exiting on fatal pipeline error", zap.Error(fatal))
		return fatal
	}
	logger.Info("server stopped")
	return nil
}
