package server

import (
	"context"
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	applogger "CandleFlow/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	stop    chan struct{}
	stopped bool
	result  error
	block   bool
}

func (r *fakeRunner) Run(ctx context.Context) error {
	if !r.block {
		return r.result
	}
	select {
	case <-r.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *fakeRunner) Stop() {
	if !r.stopped {
		r.stopped = true
		close(r.stop)
	}
}

func TestRunReturnsPipelineResult(t *testing.T) {
	want := errors.New("flush failed")
	app := New(applogger.Nop(), &fakeRunner{result: want}, nil)
	assert.ErrorIs(t, app.Run(context.Background()), want)
}

func TestSignalDrainsPipeline(t *testing.T) {
	r := &fakeRunner{stop: make(chan struct{}), block: true}
	app := New(applogger.Nop(), r, nil)
	sigCh := make(chan os.Signal, 1)
	app.notify = func() (<-chan os.Signal, func()) { return sigCh, func() {} }

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop after signal")
	}
	assert.True(t, r.stopped)
}

func TestSecondSignalCancels(t *testing.T) {
	// a runner that ignores Stop and only honours ctx
	r := &fakeRunner{stop: make(chan struct{}), block: true}
	app := New(applogger.Nop(), stubbornRunner{r}, nil)
	sigCh := make(chan os.Signal, 2)
	app.notify = func() (<-chan os.Signal, func()) { return sigCh, func() {} }

	done := make(chan error, 1)
	go func() { done <- app.Run(context.Background()) }()

	sigCh <- syscall.SIGTERM
	sigCh <- syscall.SIGTERM
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop after second signal")
	}
}

type stubbornRunner struct{ *fakeRunner }

func (stubbornRunner) Stop() {}
