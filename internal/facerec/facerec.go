// Package facerec defines the boundary to the biometric encoder. The
// encoder itself is an external collaborator (image in, embedding vectors
// out); this package never does feature extraction of its own.
package facerec

import (
	"context"
	"math"
	"sort"

	"github.com/nmoreaux/cantinad/internal/errs"
)

// Box is a detected face region: (top, right, bottom, left) in pixels.
type Box struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Face is one detected face and its embedding vector.
type Face struct {
	Box       Box       `json:"box"`
	Embedding []float64 `json:"embedding"`
}

// Encoder turns an image into embeddings. Implementations must return
// errs.ErrNoFace when no face is detected and errs.ErrDecode when the image
// bytes are unreadable. Faces come back in scan order (top-left first) so
// "first face" is a deterministic choice.
type Encoder interface {
	Encode(ctx context.Context, image []byte) ([]Face, error)
}

// EncodeSingle is the enrollment-side helper: the photo must contain
// exactly one face, otherwise errs.ErrMultipleFaces.
func EncodeSingle(ctx context.Context, enc Encoder, image []byte) (Face, error) {
	faces, err := enc.Encode(ctx, image)
	if err != nil {
		return Face{}, err
	}
	if len(faces) == 0 {
		return Face{}, errs.ErrNoFace
	}
	if len(faces) > 1 {
		return Face{}, errs.ErrMultipleFaces
	}
	return faces[0], nil
}

// Distance returns the Euclidean distance between two embeddings, or +Inf
// when the vectors have different lengths (they can never match).
func Distance(a, b []float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// sortScanOrder orders faces top-left first so downstream "first face"
// policies stay deterministic regardless of encoder ordering.
func sortScanOrder(faces []Face) {
	sort.SliceStable(faces, func(i, j int) bool {
		if faces[i].Box.Top != faces[j].Box.Top {
			return faces[i].Box.Top < faces[j].Box.Top
		}
		return faces[i].Box.Left < faces[j].Box.Left
	})
}
