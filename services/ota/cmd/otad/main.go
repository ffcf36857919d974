package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"otad/pkg/bus"
	"otad/pkg/db"
	"otad/pkg/firmware"
	gos3 "otad/pkg/s3"
	"otad/pkg/telemetry"
	"otad/services/audit"
	"otad/services/ota"
	"otad/services/ota/internal/config"
	"otad/services/ota/internal/tftp"
)

const (
	serviceName = "otad"
	streamName  = "OTA"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg(serviceName)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := telemetry.NewLogger(serviceName, cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log.Logger = logger

	shutdownTelemetry, traceMiddleware, err := telemetry.Init(ctx, serviceName, cfg.OTLPEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	fw, err := firmware.NewStore(cfg.FirmwareDir, firmware.WithMaxUploadSize(cfg.MaxUploadBytes))
	if err != nil {
		return fmt.Errorf("init firmware store: %w", err)
	}
	store := &ota.Store{
		Firmware:    fw,
		Descriptors: firmware.NewDescriptorStore(fw.Dir()),
	}

	if cfg.S3.Enabled() {
		client, err := gos3.NewClient(ctx, cfg.S3.Client())
		if err != nil {
			return fmt.Errorf("init s3 client: %w", err)
		}
		store.S3 = client
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("artifact mirror enabled")
	}

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(streamName, firmware.SubjectAll); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
		store.Bus = b
	}

	if cfg.DBDSN != "" {
		ledger, closeDB, err := openLedger(ctx, cfg.DBDSN)
		if err != nil {
			return err
		}
		defer closeDB()
		store.Audit = ledger

		if store.Bus == nil {
			logger.Warn().Msg("DB_DSN set without NATS_URL; audit ledger will not receive events")
		} else {
			ingestor, err := audit.NewIngestor(ledger, store.Bus, logger)
			if err != nil {
				return fmt.Errorf("init audit ingestor: %w", err)
			}
			if err := ingestor.Start(ctx); err != nil {
				return fmt.Errorf("start audit ingestor: %w", err)
			}
			defer ingestor.Close()
		}
	}

	api, err := ota.New(store, ota.Config{
		PublicBaseURL:  cfg.PublicBaseURL,
		AllowedOrigins: cfg.AllowedOrigins,
		RatePerMinute:  cfg.RatePerMinute,
		MirrorBucket:   cfg.S3.Bucket,
		MirrorPrefix:   cfg.S3.Prefix,
	}, logger)
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	handler, err := api.Routes(traceMiddleware)
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	var wg sync.WaitGroup
	if cfg.TFTP.Enabled {
		srv, err := tftp.NewServer(cfg.TFTP, fw, logger)
		if err != nil {
			return fmt.Errorf("init tftp: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx, nil); err != nil {
				logger.Error().Err(err).Msg("tftp server")
				stop()
			}
		}()
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("firmware_dir", fw.Dir()).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	wg.Wait()
	logger.Info().Msg("stopped")
	return nil
}

func openLedger(ctx context.Context, dsn string) (*audit.Ledger, func(), error) {
	pool, err := db.Open(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	orm, err := db.ORM(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("open orm: %w", err)
	}
	ledger, err := audit.NewLedger(pool, orm)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return ledger, pool.Close, nil
}
