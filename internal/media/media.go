// Package media supervises the external process that turns a camera stream
// into numbered segment files.
package media

import (
	"context"
	"errors"
)

// ErrUnexpectedExit is reported when the pipeline ends without being asked to.
var ErrUnexpectedExit = errors.New("media pipeline exited unexpectedly")

// Pipeline is a running media process for one stream.
type Pipeline interface {
	// Start launches the process writing segments from startSeq onwards.
	Start(ctx context.Context, startSeq uint64) error
	// Stop asks the process to finalize the open segment and waits for it to
	// exit, escalating if it does not.
	Stop(ctx context.Context) error
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// Err is nil after a requested stop and wraps ErrUnexpectedExit
	// otherwise. Only meaningful after Done is closed.
	Err() error
}
