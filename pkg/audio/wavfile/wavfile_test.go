package wavfile_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/tastemate/pkg/audio"
	"github.com/MrWong99/tastemate/pkg/audio/wavfile"
)

// writeWAV writes a 16-bit WAV file with the given interleaved samples.
func writeWAV(t *testing.T, path string, rate, channels int, samples []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()
	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: rate, NumChannels: channels},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
}

func TestOpenInput_DeliversFixedFrames(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "in.wav")
	// 320 stereo frames at 16 kHz with L=R=16384 (0.5 after downmix).
	data := make([]int, 640)
	for i := range data {
		data[i] = 16384
	}
	writeWAV(t, in, 16000, 2, data)

	devs := wavfile.New(in, "")
	ctx, err := devs.OpenInput(context.Background(), 16000, 160)
	if err != nil {
		t.Fatalf("OpenInput: %v", err)
	}
	defer ctx.Close()

	// Frames are collected until the channel closes at the end of the file.
	var frames [][]float32
	timeout := time.After(5 * time.Second)
collect:
	for {
		select {
		case f, ok := <-ctx.Frames():
			if !ok {
				break collect
			}
			frames = append(frames, f)
		case <-timeout:
			t.Fatal("timed out waiting for the frame channel to close")
		}
	}
	if len(frames) == 0 || len(frames) > 2 {
		t.Fatalf("got %d frames, want 1 or 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != 160 {
			t.Errorf("frame %d: got %d samples, want 160", i, len(f))
		}
		if f[0] != 0.5 {
			t.Errorf("frame %d: first sample %v, want 0.5", i, f[0])
		}
	}

	if err := ctx.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestOpenInput_MissingFile(t *testing.T) {
	t.Parallel()

	devs := wavfile.New(filepath.Join(t.TempDir(), "missing.wav"), "")
	_, err := devs.OpenInput(context.Background(), 16000, 4096)
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("got %v, want ErrDeviceUnavailable", err)
	}
}

func TestOutput_RendersScheduledSources(t *testing.T) {
	t.Parallel()

	out := filepath.Join(t.TempDir(), "out.wav")
	devs := wavfile.New("", out)
	octx, err := devs.OpenOutput(context.Background(), 8000)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}

	buf := audio.NewMonoBuffer(make([]float32, 80), 8000) // 10ms
	for i := range buf.Channels[0] {
		buf.Channels[0][i] = 0.25
	}

	ended := make(chan struct{}, 2)
	first := octx.NewSource(buf)
	first.OnEnded(func() { ended <- struct{}{} })
	second := octx.NewSource(buf)
	second.OnEnded(func() { ended <- struct{}{} })

	start := octx.Now()
	if err := first.Start(start); err != nil {
		t.Fatalf("Start first: %v", err)
	}
	if err := second.Start(start + buf.Duration()); err != nil {
		t.Fatalf("Start second: %v", err)
	}

	for range 2 {
		select {
		case <-ended:
		case <-time.After(2 * time.Second):
			t.Fatal("source did not end")
		}
	}
	if err := octx.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(out)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	// Two back-to-back 80-sample sources after a short initial gap.
	if len(pcm.Data) < 160 {
		t.Fatalf("rendered %d samples, want at least 160", len(pcm.Data))
	}
	if last := pcm.Data[len(pcm.Data)-1]; last != 8192 {
		t.Errorf("last sample: got %d, want 8192", last)
	}
}

func TestOutput_StartAfterClose(t *testing.T) {
	t.Parallel()

	octx, err := wavfile.New("", "").OpenOutput(context.Background(), 24000)
	if err != nil {
		t.Fatalf("OpenOutput: %v", err)
	}
	src := octx.NewSource(audio.NewMonoBuffer(make([]float32, 24), 24000))
	_ = octx.Close()
	if err := src.Start(0); !errors.Is(err, audio.ErrContextClosed) {
		t.Fatalf("got %v, want ErrContextClosed", err)
	}
}
