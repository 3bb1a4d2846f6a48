package playback

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// WriterSink copies the raw PCM of every frame from sub to w until ctx is
// cancelled or the subscription channel closes. Typical writers are a pipe
// into a system audio player or a file.
func WriterSink(ctx context.Context, sub *Subscription, w io.Writer) error {
	defer sub.Cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-sub.C:
			if !ok {
				return nil
			}
			if _, err := w.Write(f.Data); err != nil {
				slog.Warn("playback: writer sink failed", "err", err)
				return fmt.Errorf("playback: write: %w", err)
			}
		}
	}
}
