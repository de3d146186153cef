package commandsource

import (
	"errors"
	"sync/atomic"

	"github.com/cthiebaud/hacklily/internal/render"
)

var ErrCallbackReused = errors.New("response callback already invoked")

// ResponseCallback delivers the response for one request back to the source
// that produced it. Callbacks handed out by sources are safe for concurrent
// use and only deliver on their first call.
type ResponseCallback func(render.Response) error

// Once wraps deliver so that only the first call reaches it. Later calls
// return ErrCallbackReused and do nothing.
func Once(deliver func(render.Response) error) ResponseCallback {
	var used atomic.Bool
	return func(resp render.Response) error {
		if !used.CompareAndSwap(false, true) {
			return ErrCallbackReused
		}
		return deliver(resp)
	}
}
