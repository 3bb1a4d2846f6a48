package audio_test

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voiceorder/pkg/audio"
)

func TestMonoToStereo(t *testing.T) {
	t.Parallel()

	got := audio.Samples(audio.MonoToStereo(audio.PCM([]int16{100, -200, 300})))
	want := []int16{100, 100, -200, -200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	t.Parallel()

	got := audio.Samples(audio.StereoToMono(audio.PCM([]int16{100, 200, 32767, 32767})))
	want := []int16{150, 32767}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestResampleMono16(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		src, dst int
		in       int
		wantLen  int
	}{
		{"same rate", 24000, 24000, 480, 480},
		{"upsample", 24000, 48000, 480, 960},
		{"downsample", 48000, 24000, 960, 480},
		{"zero rate", 0, 24000, 10, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			in := audio.PCM(make([]int16, tt.in))
			out := audio.ResampleMono16(in, tt.src, tt.dst)
			if got := len(out) / 2; got != tt.wantLen {
				t.Errorf("samples = %d, want %d", got, tt.wantLen)
			}
		})
	}
}

func TestConverter(t *testing.T) {
	t.Parallel()

	c := &audio.Converter{Target: audio.FormatOpus}
	in := audio.AudioFrame{Data: audio.PCM(make([]int16, 480)), SampleRate: 24000, Channels: 1}
	out := c.Convert(in)
	if out.SampleRate != 48000 || out.Channels != 1 || len(out.Data) != 1920 {
		t.Errorf("converted = rate %d ch %d bytes %d", out.SampleRate, out.Channels, len(out.Data))
	}

	same := c.Convert(audio.AudioFrame{Data: []byte{1, 2}, SampleRate: 48000, Channels: 1})
	if !bytes.Equal(same.Data, []byte{1, 2}) {
		t.Error("matching frame was modified")
	}

	odd := c.Convert(audio.AudioFrame{Data: []byte{1, 2, 3}, SampleRate: 48000, Channels: 1})
	if odd.Data != nil {
		t.Error("odd byte frame not dropped")
	}
}

func TestAudioFrame_Duration(t *testing.T) {
	t.Parallel()

	f := audio.AudioFrame{Data: make([]byte, audio.FormatRealtime.FrameBytes(20*time.Millisecond)), SampleRate: 24000, Channels: 1}
	if got := f.Duration(); got != 20*time.Millisecond {
		t.Errorf("Duration = %v, want 20ms", got)
	}
}

func TestReaderSource_EmitsFramesUntilEOF(t *testing.T) {
	t.Parallel()

	size := audio.FormatRealtime.FrameBytes(audio.DefaultFrameDuration)
	src := audio.NewReaderSource(bytes.NewReader(make([]byte, size*3+10)), audio.FormatRealtime, audio.WithoutPacing())

	ch, err := src.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var frames []audio.AudioFrame
	for f := range ch {
		frames = append(frames, f)
	}
	if len(frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(frames))
	}
	if len(frames[3].Data) != 10 {
		t.Errorf("last frame bytes = %d, want 10", len(frames[3].Data))
	}
	if frames[1].Timestamp != audio.DefaultFrameDuration {
		t.Errorf("second frame timestamp = %v", frames[1].Timestamp)
	}
}

// chanSource emits frames written by the test.
type chanSource struct {
	ch chan audio.AudioFrame
}

func (s *chanSource) Start(ctx context.Context) (<-chan audio.AudioFrame, error) { return s.ch, nil }
func (s *chanSource) Format() audio.Format                                       { return audio.FormatRealtime }

func TestGate_ForwardsOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	src := &chanSource{ch: make(chan audio.AudioFrame)}
	var mu sync.Mutex
	var got int
	delivered := make(chan struct{}, 8)
	g := audio.NewGate(src, audio.FormatRealtime, func(audio.AudioFrame) error {
		mu.Lock()
		got++
		mu.Unlock()
		delivered <- struct{}{}
		return nil
	})
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(g.Stop)

	frame := audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
	src.ch <- frame // dropped: gate closed

	g.Enable()
	src.ch <- frame
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("frame not delivered while enabled")
	}

	g.Disable()
	src.ch <- frame
	// A fourth frame would block until the third is consumed, which proves
	// the third was processed.
	src.ch <- frame

	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Errorf("delivered = %d, want 1", got)
	}
	if g.Sent() != 1 {
		t.Errorf("Sent = %d, want 1", g.Sent())
	}
}

func TestGate_SinkErrorNotCounted(t *testing.T) {
	t.Parallel()

	src := &chanSource{ch: make(chan audio.AudioFrame)}
	g := audio.NewGate(src, audio.FormatRealtime, func(audio.AudioFrame) error { return errors.New("closed") })
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	g.Enable()
	src.ch <- audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
	src.ch <- audio.AudioFrame{Data: []byte{0, 0}, SampleRate: 24000, Channels: 1}
	g.Stop()
	g.Stop()
	if g.Sent() != 0 {
		t.Errorf("Sent = %d, want 0", g.Sent())
	}
	if g.Enabled() {
		t.Error("Enabled after Stop")
	}
}
