package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-nmt/internal/app"
	"github.com/23skdu/longbow-nmt/internal/config"
	"github.com/23skdu/longbow-nmt/internal/flightsvc"
	"github.com/23skdu/longbow-nmt/internal/httpapi"
	"github.com/23skdu/longbow-nmt/internal/logger"
	"github.com/23skdu/longbow-nmt/internal/monitoring"
)

var configPath = flag.String("config", "", "Path to YAML service config (NMT_* env vars override)")

func main() {
	flag.Parse()

	svc, err := config.Loader{}.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger.Setup(svc.LogLevel, svc.LogFormat)

	if err := serve(svc); err != nil {
		logger.Log.Error("Server stopped", "err", err)
		os.Exit(1)
	}
}

func serve(svc config.Service) error {
	a, err := app.Open(svc)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	defer a.Close()

	monitor := monitoring.NewHealthMonitor(a.ModelInfo)
	flightSrv := flightsvc.NewServer(a.Translator, svc.Workers, monitor)

	mux := http.NewServeMux()
	mux.Handle("/", monitor.Handler())
	mux.Handle("/api/", httpapi.New(a.Translator, a.Translator.Pair().String(), svc.APIKey, monitor))
	httpSrv := &http.Server{
		Addr:              svc.MetricsAddr,
		Handler:           httpapi.LogRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", svc.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", svc.ListenAddr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return flightSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Log.Info("HTTP serving", "addr", svc.MetricsAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		flightSrv.GracefulStop()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
