package commandsource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/cthiebaud/hacklily/internal/config"
	"github.com/cthiebaud/hacklily/internal/distributed"
	"github.com/cthiebaud/hacklily/internal/metrics"
)

// Deps carries what the selected source needs beyond its configuration.
type Deps struct {
	Logger   logr.Logger
	Metrics  *metrics.Recorder
	WorkerID string
	// Transport replaces the one derived from the coordinator address.
	Transport       distributed.Transport
	Stdout          io.Writer
	OnReport        func(Report)
	OnBatchComplete func(BatchSummary)
}

// New builds the single command source cfg selects. It blocks only until the
// source holds its resource, never until the first job.
func New(ctx context.Context, cfg config.Config, deps Deps) (RequestStream, QuitSink, error) {
	source := cfg.CommandSource
	switch source.Type {
	case config.SourceWorker:
		workerID := deps.WorkerID
		if workerID == "" {
			workerID = uuid.NewString()
		}
		transport := deps.Transport
		var closer io.Closer
		if transport == nil {
			var err error
			transport, closer, err = transportFor(ctx, source, workerID)
			if err != nil {
				return nil, nil, &ConstructionError{Source: workerSourceName, Err: err}
			}
		}
		return NewWorker(ctx, WorkerOptions{
			Transport: transport,
			WorkerID:  workerID,
			Capacity:  Capacity{Stable: cfg.StableWorkerCount, Unstable: cfg.UnstableWorkerCount},
			Reconnect: ReconnectPolicy{
				MaxAttempts:  cfg.Reconnect.MaxAttempts,
				InitialDelay: cfg.Reconnect.InitialDelay(),
				MaxDelay:     cfg.Reconnect.MaxDelay(),
			},
			DrainGrace:        cfg.DrainGrace(),
			HeartbeatInterval: cfg.HeartbeatInterval(),
			Logger:            deps.Logger,
			Metrics:           deps.Metrics,
			Closer:            closer,
		})
	case config.SourceBatch:
		return NewBatch(ctx, BatchOptions{
			Path:       source.Path,
			Output:     source.Output,
			Stdout:     deps.Stdout,
			Logger:     deps.Logger,
			Metrics:    deps.Metrics,
			OnComplete: deps.OnBatchComplete,
		})
	case config.SourceTestRunner:
		return NewTestRunner(ctx, TestRunnerOptions{
			Input:    source.Input,
			Output:   source.Output,
			Logger:   deps.Logger,
			Metrics:  deps.Metrics,
			OnReport: deps.OnReport,
		})
	default:
		return nil, nil, &ConstructionError{Source: string(source.Type), Err: fmt.Errorf("unknown command source type %q", source.Type)}
	}
}

// transportFor picks the coordinator transport from the address scheme. The
// returned closer, if any, owns a bus connection.
func transportFor(ctx context.Context, source config.CommandSource, workerID string) (distributed.Transport, io.Closer, error) {
	address := strings.TrimSpace(source.Coordinator)
	parsed, err := url.Parse(address)
	if err != nil {
		return nil, nil, fmt.Errorf("parse coordinator address %q: %w", address, err)
	}
	subjects := distributed.DefaultWorkerSubjects(source.BusPrefix, workerID)

	switch strings.ToLower(parsed.Scheme) {
	case "ws", "wss":
		return distributed.NewWebSocketTransport(address), nil, nil
	case "nats", "tls":
		bus, err := distributed.NewNATSBus(address)
		if err != nil {
			return nil, nil, err
		}
		return distributed.NewBusTransport(bus, subjects), bus, nil
	case "redis", "rediss":
		bus, err := distributed.NewRedisBus(address)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
		defer cancel()
		if err := bus.Ping(pingCtx); err != nil {
			_ = bus.Close()
			return nil, nil, err
		}
		return distributed.NewBusTransport(bus, subjects), bus, nil
	default:
		return nil, nil, fmt.Errorf("unsupported coordinator scheme %q in %q", parsed.Scheme, address)
	}
}
