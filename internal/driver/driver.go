// Package driver pulls render jobs off a command source, renders them and
// hands each result back through the job's callback.
package driver

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/cthiebaud/hacklily/internal/commandsource"
	"github.com/cthiebaud/hacklily/internal/metrics"
	"github.com/cthiebaud/hacklily/internal/render"
)

type Renderer interface {
	Render(ctx context.Context, req render.Request) render.Response
}

// RendererFunc adapts a plain function to Renderer.
type RendererFunc func(ctx context.Context, req render.Request) render.Response

func (f RendererFunc) Render(ctx context.Context, req render.Request) render.Response {
	return f(ctx, req)
}

type Options struct {
	// Concurrency bounds renders in flight. Values below 1 mean 1.
	Concurrency int
	Logger      logr.Logger
	Metrics     *metrics.Recorder
}

// Run consumes stream until the source closes it. Cancelling ctx sends one
// quit signal and Run keeps draining, so jobs already handed out still get a
// response. The returned error is the source's terminal error, if any.
func Run(ctx context.Context, stream commandsource.RequestStream, quit commandsource.QuitSink, renderer Renderer, opts Options) error {
	logger := opts.Logger.WithName("driver")
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	var group errgroup.Group
	group.SetLimit(concurrency)
	renderCtx := context.WithoutCancel(ctx)

	var terminal *commandsource.TerminalStreamError
	done := ctx.Done()
	for {
		select {
		case <-done:
			done = nil
			select {
			case quit <- commandsource.QuitSignal{}:
				logger.Info("shutdown requested, draining command source")
			default:
			}
		case item, ok := <-stream:
			if !ok {
				_ = group.Wait()
				if terminal != nil {
					return terminal
				}
				return nil
			}
			if item.Failed() {
				if errors.As(item.Err, &terminal) {
					logger.Error(item.Err, "command source gave up")
				} else {
					logger.Error(item.Err, "command source reported an error")
				}
				continue
			}
			group.Go(func() error {
				renderOne(renderCtx, renderer, item, logger, opts.Metrics)
				return nil
			})
		}
	}
}

func renderOne(ctx context.Context, renderer Renderer, item commandsource.StreamItem, logger logr.Logger, recorder *metrics.Recorder) {
	started := time.Now()
	resp := renderer.Render(ctx, item.Request)
	recorder.ObserveRender(time.Since(started).Seconds())
	if item.Respond == nil {
		return
	}
	if err := item.Respond(resp); err != nil {
		logger.Error(err, "deliver response", "id", item.Request.ID)
	}
}
