package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"seechange-ingest/internal/gateway"
	"seechange-ingest/internal/identity"
	"seechange-ingest/internal/integrity"
	"seechange-ingest/internal/platform/config"
	"seechange-ingest/internal/platform/logger"
	"seechange-ingest/internal/platform/metrics"
	"seechange-ingest/internal/registry"
	"seechange-ingest/internal/session"
	"seechange-ingest/internal/streamstore"
	"seechange-ingest/internal/transcoder"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

// store is a stream history backend the server owns.
type store interface {
	streamstore.Recorder
	streamstore.Lister
	io.Closer
}

type memoryStore struct{ *streamstore.MemoryRecorder }

func (memoryStore) Close() error { return nil }

func main() {
	_ = config.Load()

	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, log); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	met := metrics.New()

	creds, err := identity.LoadCredentialsFile(cfg.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := identity.NewVerifier(creds, identity.Config{
		Secret: []byte(cfg.JWTSecret),
		TTL:    cfg.TokenTTL,
	})
	if err != nil {
		return err
	}

	frames, err := integrity.New(integrity.Mode(cfg.IntegrityMode))
	if err != nil {
		return err
	}

	history, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := history.Close(); err != nil {
			log.Warn("close stream store", "error", err)
		}
	}()
	emitter := streamstore.NewEmitter(history, streamstore.EmitterConfig{
		Logger:  logger.WithComponent(log, "streamstore"),
		OnError: met.PersistenceFailed,
	})

	reg := registry.New()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.RedisAddr != "" {
		pub, err := registry.NewRedisPublisher(registry.RedisPublisherConfig{
			Addr:    cfg.RedisAddr,
			Channel: cfg.RedisChannel,
			Logger:  logger.WithComponent(log, "redis"),
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		unsubscribe := reg.Subscribe(pub)
		defer unsubscribe()
		g.Go(func() error { return pub.Run(gctx) })
	}

	mgr, err := session.NewManager(session.Config{
		Identity:  verifier,
		Integrity: frames,
		Registry:  reg,
		Launcher: transcoder.NewFFmpegLauncher(transcoder.FFmpegConfig{
			Binary:      cfg.FFmpegPath,
			FrameRate:   cfg.FFmpegFrameRate,
			InputFormat: cfg.FFmpegInputFormat,
			OutputBase:  cfg.RTMPBaseURL,
		}),
		Events:         emitter,
		Observer:       met,
		Logger:         logger.WithComponent(log, "session"),
		BufferCapacity: cfg.FrameBufferCapacity,
		GracePeriod:    cfg.TranscoderGracePeriod,
	})
	if err != nil {
		return err
	}

	h := gateway.NewHandler(gateway.Config{
		Sessions: mgr,
		Registry: reg,
		Keys:     verifier,
		History:  history,
		Logger:   logger.WithComponent(log, "gateway"),
	})

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() {
			met.SetActiveStreams(reg.Len())
			met.SetActiveSessions(mgr.Len())
		}).ServeHTTP(w, r)
	})
	h.Routes(r)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}

	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Port,
			"integrity_mode", cfg.IntegrityMode,
			"store", cfg.StoreDriver,
			"users", creds.Len(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		// Shutdown does not wait for hijacked websocket connections. Ending
		// their sessions here stops the transcoders.
		srvErr := srv.Shutdown(sctx)
		mgrErr := mgr.Shutdown(sctx)
		emitErr := emitter.Close(sctx)
		return errors.Join(srvErr, mgrErr, emitErr)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		return streamstore.NewPostgresRecorder(ctx, cfg.DatabaseURL)
	case config.StoreSQLite:
		return streamstore.OpenSQLite(cfg.SQLitePath)
	default:
		return memoryStore{streamstore.NewMemoryRecorder()}, nil
	}
}
