package main

import (
	"context"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"
	"golang.org/x/sync/errgroup"

	"mdstore/internal/model/enum"
	"mdstore/internal/store"
)

const shutdownTimeout = 5 * time.Second

type serveCmd struct {
	Listen    string `long:"listen" env:"MDSTORE_LISTEN" default:":9464" description:"Address of the metrics and health endpoints"`
	Pyroscope string `long:"pyroscope" env:"MDSTORE_PYROSCOPE" description:"Pyroscope server address, profiling is off when empty"`
	Env       string `long:"env" env:"MDSTORE_ENV" default:"local" description:"Environment tag for profiles"`
}

func (cmd *serveCmd) Execute([]string) error {
	if cmd.Pyroscope != "" {
		stop, err := startProfiler(cmd.Pyroscope, cmd.Env)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-sys.Shutdown():
			logs.Info("shutdown signal received")
			cancel()
		case <-ctx.Done():
		}
	}()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			logs.Errorf("close store, err: %+v", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		s.Metrics(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := &http.Server{
		Addr:              cmd.Listen,
		Handler:           newMux(s, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.Run(ctx)
	})
	eg.Go(func() error {
		logs.Infof("serving metrics and health on %s", cmd.Listen)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen and serve")
		}
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := eg.Wait(); err != nil {
		logs.Errorf("serve, err: %+v", err)
		return err
	}
	return nil
}

func newMux(s *store.Store, gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		health := s.Health()
		status := http.StatusOK
		if health.Status != enum.HealthOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, health)
	})
	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := sonic.ConfigFastest.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
