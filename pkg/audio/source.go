package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultFrameDuration is the capture chunk length used by [ReaderSource].
const DefaultFrameDuration = 20 * time.Millisecond

// Source is a capture device. The transport owning the microphone starts it
// once per connection and gates its frames with a [Gate].
type Source interface {
	// Start begins capture. The returned channel is closed when ctx is
	// cancelled or the device runs out of data.
	Start(ctx context.Context) (<-chan AudioFrame, error)

	// Format reports the PCM format of emitted frames.
	Format() Format
}

// ReaderSourceOption configures a [ReaderSource].
type ReaderSourceOption func(*ReaderSource)

// WithFrameDuration sets the chunk length of each emitted frame.
func WithFrameDuration(d time.Duration) ReaderSourceOption {
	return func(s *ReaderSource) {
		if d > 0 {
			s.frame = d
		}
	}
}

// WithoutPacing emits frames as fast as the reader yields them instead of in
// real time. Useful for tests and file playback.
func WithoutPacing() ReaderSourceOption {
	return func(s *ReaderSource) { s.paced = false }
}

// WithLoop restarts from the beginning when the reader is an io.Seeker and
// reaches EOF.
func WithLoop() ReaderSourceOption {
	return func(s *ReaderSource) { s.loop = true }
}

// ReaderSource reads raw PCM16 from an io.Reader such as a file, a pipe from
// a capture tool, or stdin.
type ReaderSource struct {
	r      io.Reader
	format Format
	frame  time.Duration
	paced  bool
	loop   bool
}

var _ Source = (*ReaderSource)(nil)

// NewReaderSource returns a source reading PCM in format f from r.
func NewReaderSource(r io.Reader, f Format, opts ...ReaderSourceOption) *ReaderSource {
	s := &ReaderSource{r: r, format: f, frame: DefaultFrameDuration, paced: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [Source].
func (s *ReaderSource) Format() Format { return s.format }

// Start implements [Source].
func (s *ReaderSource) Start(ctx context.Context) (<-chan AudioFrame, error) {
	size := s.format.FrameBytes(s.frame)
	if size <= 0 {
		return nil, fmt.Errorf("audio: reader source: invalid format %+v", s.format)
	}
	out := make(chan AudioFrame, 8)
	go s.run(ctx, size, out)
	return out, nil
}

func (s *ReaderSource) run(ctx context.Context, size int, out chan<- AudioFrame) {
	defer close(out)

	var tick <-chan time.Time
	if s.paced {
		t := time.NewTicker(s.frame)
		defer t.Stop()
		tick = t.C
	}

	var ts time.Duration
	for {
		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			if n%2 != 0 {
				n--
			}
			frame := AudioFrame{Data: buf[:n], SampleRate: s.format.SampleRate, Channels: s.format.Channels, Timestamp: ts}
			ts += s.frame
			if tick != nil {
				select {
				case <-ctx.Done():
					return
				case <-tick:
				}
			}
			select {
			case <-ctx.Done():
				return
			case out <- frame:
			}
		}
		if err != nil {
			if (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)) && s.loop {
				if seeker, ok := s.r.(io.Seeker); ok {
					if _, serr := seeker.Seek(0, io.SeekStart); serr == nil {
						continue
					}
				}
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("audio source read failed", "err", err)
			}
			return
		}
	}
}
