// Package commandsource turns every origin of render jobs into one uniform
// stream of requests paired with single-use response callbacks.
package commandsource

import (
	"fmt"

	"github.com/cthiebaud/hacklily/internal/config"
	"github.com/cthiebaud/hacklily/internal/render"
)

// QuitSignal asks the active source to stop producing items and end its
// stream.
type QuitSignal struct{}

// QuitSink is the write end of a source's quit channel. It has room for one
// signal, so a single send never blocks while the source is alive.
type QuitSink = chan<- QuitSignal

// RequestStream is closed by its source once no further items will follow.
type RequestStream = <-chan StreamItem

// StreamItem is either a request with the callback that answers it, or an
// error. A request is never emitted without a callback.
type StreamItem struct {
	Request render.Request
	Respond ResponseCallback
	Err     error
}

func (i StreamItem) Failed() bool {
	return i.Err != nil
}

// MinCapacity is the smallest max_jobs the coordinator accepts. It ignores
// workers advertising less, so they would connect and never get a job.
const MinCapacity = config.MinWorkerCapacity

// Capacity is the worker pool split advertised to the coordinator.
type Capacity struct {
	Stable   int
	Unstable int
}

func (c Capacity) Total() int {
	return c.Stable + c.Unstable
}

func (c Capacity) Validate() error {
	if c.Stable < 0 || c.Unstable < 0 {
		return fmt.Errorf("worker counts must not be negative (stable=%d unstable=%d)", c.Stable, c.Unstable)
	}
	if c.Total() < MinCapacity {
		return fmt.Errorf("the coordinator ignores workers with fewer than %d render slots (stable=%d unstable=%d)", MinCapacity, c.Stable, c.Unstable)
	}
	return nil
}

func newQuitChannel() chan QuitSignal {
	return make(chan QuitSignal, 1)
}

// emit hands item to the consumer unless a quit signal arrives first. It
// reports whether the item was delivered.
func emit(out chan<- StreamItem, quit <-chan QuitSignal, item StreamItem) bool {
	select {
	case out <- item:
		return true
	case <-quit:
		return false
	}
}

// quitRequested polls quit without blocking.
func quitRequested(quit <-chan QuitSignal) bool {
	select {
	case <-quit:
		return true
	default:
		return false
	}
}
