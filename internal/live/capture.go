package live

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/audio"
	providerlive "github.com/MrWong99/tastemate/pkg/provider/live"
)

// Capture streams microphone frames to a realtime connection.
//
// Each frame is packed as 16-bit PCM, base64 encoded, tagged with
// [audio.CaptureMIME] and sent before the next frame is read. Nothing is
// queued: while a send is in flight the input device drops whatever it
// captures.
type Capture struct {
	in      audio.InputContext
	conn    providerlive.Conn
	name    string
	logger  *slog.Logger
	metrics *observe.Metrics

	sent atomic.Uint64
}

// NewCapture returns a Capture reading from in and sending to conn. name
// labels metrics and is usually the transport name.
func NewCapture(in audio.InputContext, conn providerlive.Conn, name string, logger *slog.Logger, metrics *observe.Metrics) *Capture {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Capture{in: in, conn: conn, name: name, logger: logger, metrics: metrics}
}

// Run forwards frames until ctx is cancelled or the input runs dry, returning
// nil in both cases. A failed send is not retried: Run stops and returns an
// error wrapping [ErrTransport].
func (c *Capture) Run(ctx context.Context) error {
	defer func() {
		c.metrics.RecordFramesDropped(context.Background(), int64(c.in.Dropped()))
	}()

	frames := c.in.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				c.logger.Debug("capture input closed", "sent", c.sent.Load())
				return nil
			}
			enc := audio.EncodeFrame(frame, audio.CaptureMIME)
			if err := c.conn.SendRealtimeInput(ctx, enc); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: send frame: %w", ErrTransport, err)
			}
			c.sent.Add(1)
			c.metrics.RecordFrameSent(ctx, c.name)
		}
	}
}

// Sent returns the number of frames handed to the connection.
func (c *Capture) Sent() uint64 { return c.sent.Load() }
