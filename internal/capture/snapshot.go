package capture

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nmoreaux/cantinad/internal/errs"
)

// maxSnapshotBytes bounds a single frame read; anything larger is not a
// plausible camera snapshot.
const maxSnapshotBytes = 8 << 20

// SnapshotSource polls an HTTP camera that serves one JPEG per GET, the
// interface exposed by most IP cameras and by mjpg-streamer's /?action=snapshot.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client
}

// NewSnapshotSource builds a source polling url at most once per interval.
func NewSnapshotSource(url string, interval time.Duration, timeout time.Duration) *SnapshotSource {
	return &SnapshotSource{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
	}
}

// ReadFrame fetches one snapshot. Connection failures and non-2xx responses
// surface as ErrCameraUnavailable so the pipeline can stop instead of
// spinning against a dead camera.
func (s *SnapshotSource) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.interval > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.interval):
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrCameraUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: camera returned %s", errs.ErrCameraUnavailable, resp.Status)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return b, nil
}

func (s *SnapshotSource) Close() error { return nil }

var _ FrameSource = (*SnapshotSource)(nil)
