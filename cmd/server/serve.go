package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"gwi.com/artifact-chat/internal/api"
	"gwi.com/artifact-chat/internal/artifact"
	"gwi.com/artifact-chat/internal/config"
	"gwi.com/artifact-chat/internal/core"
	"gwi.com/artifact-chat/internal/store"
)

type ServerFlags struct {
	ListenAddr  string
	MetricsAddr string
}

func (f *ServerFlags) BindFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&f.ListenAddr, "listen", "", "The address to serve the API on (default :$HTTP_PORT)")
	flagSet.StringVar(&f.MetricsAddr, "listen-metrics", "", "The address to serve prometheus metrics on (default :$METRICS_PORT)")
}

func NewServeCommand() *cobra.Command {
	f := &ServerFlags{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return errors.WithMessage(err, "error loading configuration")
			}
			if err := setLogLevel(cfg.LogLevel); err != nil {
				return errors.WithMessage(err, "cannot parse log level")
			}
			if f.ListenAddr == "" {
				f.ListenAddr = ":" + cfg.HTTPPort
			}
			if f.MetricsAddr == "" {
				f.MetricsAddr = ":" + cfg.MetricsPort
			}
			return serve(cmd.Context(), cfg, f)
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, f *ServerFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	dbStore, err := store.NewSQLiteStore(cfg.DatabaseURL, cfg.SnapshotCacheSize)
	if err != nil {
		return errors.WithMessage(err, "failed to initialize database")
	}
	defer dbStore.Close()

	model, err := core.NewGeminiModel(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "failed to initialize model client")
	}
	defer model.Close()

	gateway := core.NewGateway(dbStore)
	repo := core.NewDocumentRepository(gateway)
	committer := artifact.NewCommitter(repo, artifact.RealClock(), cfg.CommitQuietPeriod)
	engine := artifact.NewEngine(repo, committer)

	chatService := core.NewChatService(gateway, engine, model, cfg.MaxToolSteps)
	documentService := core.NewDocumentService(gateway, engine)

	apiHandler := api.NewAPIHandler(chatService, documentService, dbStore, cfg.JWTSecret)
	srv := &http.Server{
		Addr:        f.ListenAddr,
		Handler:     api.NewRouter(apiHandler),
		ReadTimeout: 15 * time.Second,
		// Chat responses stream for as long as generation runs.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	if f.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(f.MetricsAddr, mux); err != nil { //nolint
				log.WithError(err).Error("metrics listener stopped")
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{"addr": f.ListenAddr, "metrics": f.MetricsAddr}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.WithField("signal", sig.String()).Info("shutting down server")
	case err := <-errCh:
		return errors.WithMessagef(err, "could not listen on %s", f.ListenAddr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	// Commit pending edits before the store closes.
	if err := engine.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("some documents could not be committed on shutdown")
	}
	log.Info("server exited")
	return nil
}
