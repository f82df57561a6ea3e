package live_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/tastemate/internal/live"
	"github.com/MrWong99/tastemate/internal/observe"
	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/audio/mock"
	livemock "github.com/MrWong99/tastemate/pkg/provider/live/mock"
)

// testMetrics returns metrics that record nothing.
func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func openInput(t *testing.T) *mock.Input {
	t.Helper()
	in, err := mock.NewDevices().OpenInput(context.Background(), audio.CaptureSampleRate, audio.CaptureFrameSize)
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	return in.(*mock.Input)
}

func TestCapture_EncodesFramesInOrder(t *testing.T) {
	t.Parallel()

	in := openInput(t)
	conn := livemock.NewConn()
	c := live.NewCapture(in, conn, "mock", nil, testMetrics(t))

	for i := range 3 {
		frame := make([]float32, audio.CaptureFrameSize)
		frame[0] = float32(i) / 4
		if !in.Push(frame) {
			t.Fatalf("frame %d dropped", i)
		}
	}
	_ = in.Close()

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	sent := conn.Sent()
	if len(sent) != 3 {
		t.Fatalf("sent %d frames, want 3", len(sent))
	}
	if c.Sent() != 3 {
		t.Errorf("Sent() = %d, want 3", c.Sent())
	}
	for i, f := range sent {
		if f.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("frame %d MIME = %q", i, f.MIMEType)
		}
		raw, err := audio.TextToBinary(f.Data)
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(raw) != 8192 {
			t.Errorf("frame %d is %d bytes before encoding, want 8192", i, len(raw))
		}
		// The first sample identifies the frame: i/4 * 32768.
		got := int16(uint16(raw[0]) | uint16(raw[1])<<8)
		if want := int16(i * 8192); got != want {
			t.Errorf("frame %d first sample = %d, want %d (order preserved)", i, got, want)
		}
	}
}

func TestCapture_SendFailureStops(t *testing.T) {
	t.Parallel()

	in := openInput(t)
	conn := livemock.NewConn()
	conn.SendErr = errors.New("socket gone")
	c := live.NewCapture(in, conn, "mock", nil, testMetrics(t))

	in.Push(make([]float32, audio.CaptureFrameSize))
	in.Push(make([]float32, audio.CaptureFrameSize))

	err := c.Run(context.Background())
	if !errors.Is(err, live.ErrTransport) {
		t.Fatalf("Run = %v, want ErrTransport", err)
	}
	if c.Sent() != 0 {
		t.Errorf("Sent() = %d, want 0", c.Sent())
	}
}

func TestCapture_CancelReturnsNil(t *testing.T) {
	t.Parallel()

	in := openInput(t)
	c := live.NewCapture(in, livemock.NewConn(), "mock", nil, testMetrics(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}
}
