package facerec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nmoreaux/cantinad/internal/errs"
)

// HTTPEncoder talks to a face-encoder sidecar service. The sidecar owns the
// actual recognition model; this client only moves bytes and maps its typed
// failures onto the local sentinels.
type HTTPEncoder struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEncoder builds a client for the encoder service at baseURL.
func NewHTTPEncoder(baseURL string, timeout time.Duration) *HTTPEncoder {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPEncoder{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type encodeResponse struct {
	Faces []Face `json:"faces"`
	Error string `json:"error"`
}

// Encode posts the image and returns the detected faces in scan order.
func (e *HTTPEncoder) Encode(ctx context.Context, image []byte) ([]Face, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/encode", bytes.NewReader(image))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("encoder request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("encoder response: %w", err)
	}

	var er encodeResponse
	if jsonErr := json.Unmarshal(body, &er); jsonErr != nil && resp.StatusCode == http.StatusOK {
		return nil, fmt.Errorf("encoder response: %w", jsonErr)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		if len(er.Faces) == 0 {
			return nil, errs.ErrNoFace
		}
		sortScanOrder(er.Faces)
		return er.Faces, nil
	case http.StatusUnprocessableEntity:
		switch er.Error {
		case "no_face":
			return nil, errs.ErrNoFace
		case "decode_failed":
			return nil, errs.ErrDecode
		default:
			return nil, fmt.Errorf("encoder rejected input: %s", er.Error)
		}
	default:
		return nil, fmt.Errorf("encoder status %d", resp.StatusCode)
	}
}

var _ Encoder = (*HTTPEncoder)(nil)
