package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"ticker-search/api"
	"ticker-search/cache"
	"ticker-search/search"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP search server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	svc, err := newService(a)
	if err != nil {
		return err
	}
	defer svc.Close()

	handler := api.NewHandler(svc, api.Options{
		DetailCacheBytes: a.cfg.Cache.ResponseMaxBytes,
		DetailTTL:        a.cfg.Cache.ResponseTTL,
		Health: func(context.Context) error {
			if a.store.Len() == 0 {
				return errors.New("no symbols loaded")
			}
			return nil
		},
		Logger: a.logger,
	})
	details := handler.DetailCache()
	if err := svc.Schedule("detail-cache-cleanup", a.cfg.Cache.CleanupInterval, func(context.Context) error {
		details.CleanupExpired()
		return nil
	}); err != nil {
		return err
	}

	collector := cache.NewCollector("symbolsearch")
	svc.RegisterCaches(collector)
	collector.Register("detail", details)
	if err := prometheus.Register(collector); err != nil {
		return fmt.Errorf("register cache metrics: %w", err)
	}

	if err := svc.Start(ctx); err != nil {
		return err
	}

	mux := handler.Routes()
	mux.Handle("GET /metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      mux,
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errc := make(chan error, 1)
	go func() {
		a.logger.Info("server starting", "addr", srv.Addr, "symbols", a.store.Len())
		errc <- srv.ListenAndServe()
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

serving:
	for {
		select {
		case err := <-errc:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		case <-hup:
			a.logger.Info("SIGHUP received, refreshing symbol metadata")
			svc.RequestRefresh()
		case <-ctx.Done():
			break serving
		}
	}

	for name, st := range svc.Stats() {
		a.logger.Info("cache stats", "cache", name, "hits", st.Hits, "misses", st.Misses, "hit_ratio", st.HitRatio())
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newService(a *app) (*search.Service, error) {
	opts := a.cfg.ServiceOptions()
	opts.Logger = a.logger
	opts.Refresh = a.refresh
	return search.NewService(a.store, opts)
}
