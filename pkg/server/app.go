package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"CandleFlow/internal/usecase"
	xhttp "CandleFlow/pkg/http"
	applogger "CandleFlow/pkg/logger"
)

// Runner is the pipeline surface the app drives.
type Runner interface {
	Run(ctx context.Context) error
	Stop()
}

// App encapsulates the application lifecycle: the ops HTTP server and one
// pipeline run.
type App struct {
	log        *applogger.Logger
	pipeline   Runner
	httpServer *xhttp.Server
	notify     func() (<-chan os.Signal, func())
}

// New creates an App. httpServer may be nil.
func New(log *applogger.Logger, pipeline Runner, httpServer *xhttp.Server) *App {
	return &App{
		log:        log,
		pipeline:   pipeline,
		httpServer: httpServer,
		notify:     notifyShutdown,
	}
}

func notifyShutdown() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// Run starts the HTTP server and the pipeline and blocks until the pipeline
// finishes. The first signal asks the pipeline to drain; a second one
// cancels it.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Start(); err != nil {
			a.log.Error("http server start error", applogger.Error(err))
			return err
		}
	}

	done := make(chan error, 1)
	go func() { done <- a.pipeline.Run(runCtx) }()

	sigCh, stopNotify := a.notify()
	defer stopNotify()

	var httpErrs <-chan error
	if a.httpServer != nil {
		httpErrs = a.httpServer.Errors()
	}

	var (
		err      error
		stopping bool
	)
wait:
	for {
		select {
		case err = <-done:
			break wait
		case sig := <-sigCh:
			if stopping {
				a.log.Warn("second signal, cancelling pipeline", applogger.String("signal", sig.String()))
				cancel()
				continue
			}
			stopping = true
			a.log.Info("shutdown signal received, draining", applogger.String("signal", sig.String()))
			a.pipeline.Stop()
		case herr := <-httpErrs:
			a.log.Error("http server failed, stopping pipeline", applogger.Error(herr))
			httpErrs = nil
			stopping = true
			a.pipeline.Stop()
		}
	}

	a.shutdown(ctx)
	return err
}

func (a *App) shutdown(ctx context.Context) {
	if a.httpServer != nil {
		if err := a.httpServer.Stop(context.WithoutCancel(ctx)); err != nil {
			a.log.Error("http shutdown error", applogger.Error(err))
		}
	}
	a.log.Info("shutdown complete")
}

var _ Runner = (*usecase.Pipeline)(nil)
