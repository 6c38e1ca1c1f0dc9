// Command cantinad starts the facility access terminal server.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/assets"
	"github.com/nmoreaux/cantinad/internal/audit"
	"github.com/nmoreaux/cantinad/internal/auth"
	"github.com/nmoreaux/cantinad/internal/capture"
	"github.com/nmoreaux/cantinad/internal/config"
	"github.com/nmoreaux/cantinad/internal/engine"
	"github.com/nmoreaux/cantinad/internal/facerec"
	"github.com/nmoreaux/cantinad/internal/httpapi"
	"github.com/nmoreaux/cantinad/internal/limiter"
	"github.com/nmoreaux/cantinad/internal/matcher"
	"github.com/nmoreaux/cantinad/internal/migrate"
	"github.com/nmoreaux/cantinad/internal/store"
	"github.com/nmoreaux/cantinad/internal/store/jsonfile"
	"github.com/nmoreaux/cantinad/internal/store/postgres"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, opens the selected store backend, preloads the
// encoding index and serves the HTTP API until SIGINT/SIGTERM.
func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	addr := flag.String("addr", "", "listen address override")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	aud, err := audit.NewFileLog(cfg.AuditLog)
	if err != nil {
		logger.Fatal("open audit log", zap.Error(err))
	}

	records, closeStore, err := openStore(ctx, cfg, aud, logger)
	if err != nil {
		logger.Fatal("open record store", zap.Error(err))
	}
	defer closeStore()

	imageStore, err := assets.NewDir(cfg.ImagesDir)
	if err != nil {
		logger.Fatal("open images dir", zap.Error(err))
	}

	enc := facerec.NewHTTPEncoder(cfg.Encoder.URL, cfg.Encoder.Timeout)
	m := matcher.New(cfg.Access.Tolerance, logger)
	eng := engine.New(enc, m, records, imageStore, cfg.Access.MealCostDec(), logger)

	if report, err := eng.ReloadIndex(ctx); err != nil {
		logger.Fatal("preload encoding index", zap.Error(err))
	} else {
		logger.Info("encoding index preloaded",
			zap.Int("loaded", report.Loaded),
			zap.Int("failed", len(report.Failures)),
		)
	}

	lim := limiter.NewMemory(cfg.Auth.Window, cfg.Auth.MaxFails, cfg.Auth.BlockFor)
	authn := auth.New(cfg.AuthAccounts(), []byte(cfg.Server.JWTKey), cfg.Server.TokenTTL, lim, logger)

	if cfg.Camera.Enabled {
		src := capture.NewSnapshotSource(cfg.Camera.SnapshotURL, cfg.Camera.Interval, cfg.Encoder.Timeout)
		pipe := capture.NewPipeline(src, eng, cfg.Camera.MaxFrameAge, logger)
		go func() {
			for d := range pipe.Decisions() {
				logger.Info("camera decision",
					zap.String("kind", string(d.Kind)),
					zap.String("identity", d.IdentityID),
				)
			}
		}()
		go func() {
			if err := pipe.Run(ctx); err != nil {
				logger.Error("capture pipeline stopped", zap.Error(err))
			}
		}()
	}

	api := httpapi.New(eng, records, authn, m, cfg.Access.DefaultBalanceDec(), logger)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", zap.Error(err))
		}
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}

	logger.Info("shutdown complete")
}

// openStore selects the record-store backend from config.
func openStore(ctx context.Context, cfg *config.Config, aud audit.Log, logger *zap.Logger) (store.RecordStore, func(), error) {
	switch cfg.Store.Backend {
	case config.BackendPostgres:
		if err := migrate.Up(ctx, cfg.Store.DSN); err != nil {
			return nil, nil, err
		}
		db, err := postgres.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewStore(db, aud), db.Close, nil
	default:
		s, err := jsonfile.Open(cfg.Store.Path, aud, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}
