package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/studyforge/internal/ai"
	"github.com/sells-group/studyforge/internal/api"
	"github.com/sells-group/studyforge/internal/cost"
	"github.com/sells-group/studyforge/internal/dispatch"
	"github.com/sells-group/studyforge/internal/filestore"
	"github.com/sells-group/studyforge/internal/model"
	"github.com/sells-group/studyforge/internal/monitoring"
	"github.com/sells-group/studyforge/internal/pipeline"
	"github.com/sells-group/studyforge/internal/resolve"
	"github.com/sells-group/studyforge/internal/store"
	anthropicpkg "github.com/sells-group/studyforge/pkg/anthropic"
	openaipkg "github.com/sells-group/studyforge/pkg/openai"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Start the HTTP API, stage workers and health monitor",
	Annotations: map[string]string{modeAnnotation: "serve"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := ai.SeedTaskConfigs(ctx, st, cfg.AI.Routes); err != nil {
			return eris.Wrap(err, "seed ai task configs")
		}

		router, err := buildRouter(st)
		if err != nil {
			return err
		}
		files, err := filestore.New(cfg.Files)
		if err != nil {
			return eris.Wrap(err, "init file store")
		}

		resolver := resolve.NewResolver(st, cfg.Resolve)
		disp := dispatch.New(st, cfg.Dispatch)
		pipeline.New(st, router, resolver, files).Register(disp)

		collector := monitoring.NewCollector(st)
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
		srv := api.NewServer(api.Deps{
			Store:          st,
			Dispatcher:     disp,
			Resolver:       resolver,
			Usage:          ai.NewUsageReport(st),
			Files:          files,
			Collector:      collector,
			Checker:        checker,
			Breakers:       router,
			CORSOrigins:    cfg.Server.CORSOrigins,
			MaxUploadBytes: cfg.Server.MaxUploadMB << 20,
			LookbackHours:  cfg.Monitoring.LookbackWindowHours,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		httpSrv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			return disp.Run(gctx)
		})
		if cfg.Monitoring.Enabled {
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			return eris.Wrap(httpSrv.Shutdown(shutdownCtx), "server shutdown")
		})

		return g.Wait()
	},
}

// buildRouter registers a provider client for every configured key.
func buildRouter(st store.Store) (*ai.Router, error) {
	rates, err := cfg.Rates()
	if err != nil {
		return nil, err
	}
	router := ai.NewRouter(
		ai.StoreConfig{Store: st, DefaultModels: cfg.AI.DefaultModels},
		st,
		cost.NewCalculator(rates),
		cfg.AI,
	)
	if cfg.Anthropic.Key != "" {
		router.Register(model.ProviderAnthropic, ai.NewAnthropicClient(anthropicpkg.NewClient(anthropicpkg.Options{
			APIKey:  cfg.Anthropic.Key,
			BaseURL: cfg.Anthropic.BaseURL,
		})))
	}
	if cfg.OpenAI.Key != "" {
		router.Register(model.ProviderOpenAI, ai.NewOpenAIClient(openaipkg.NewClient(openaipkg.Options{
			APIKey:  cfg.OpenAI.Key,
			BaseURL: cfg.OpenAI.BaseURL,
		})))
	}
	if len(router.Providers()) == 0 {
		return nil, eris.New("no AI provider configured (set anthropic.key or openai.key)")
	}
	return router, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
