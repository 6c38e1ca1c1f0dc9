// Package matcher holds the in-memory encoding index and answers
// nearest-identity queries against it.
//
// The index is immutable once built. A reload builds a fresh index and
// swaps it in with one atomic pointer store, so matches in flight always
// see a single consistent version and the read path takes no lock.
package matcher

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/assets"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/facerec"
	"github.com/nmoreaux/cantinad/internal/model"
)

type entry struct {
	id        string
	embedding []float64
}

type index struct {
	entries []entry
}

// Matcher compares probe embeddings against the enrolled index.
type Matcher struct {
	tolerance float64
	log       *zap.Logger
	idx       atomic.Pointer[index]
}

// New creates a matcher with an empty index. A match is reported only when
// the best distance is strictly below tolerance.
func New(tolerance float64, log *zap.Logger) *Matcher {
	m := &Matcher{tolerance: tolerance, log: log}
	m.idx.Store(&index{})
	return m
}

// Load rebuilds the index from scratch: one encoder call per record with an
// enrollment image. Individual failures are collected, never fatal, and the
// affected identity is simply excluded. Records are indexed in creation
// order (id as tie-break) so equal-distance tie-breaking is stable across
// reloads.
func (m *Matcher) Load(ctx context.Context, records []*model.Record, ast assets.Store, enc facerec.Encoder) model.LoadReport {
	sorted := append([]*model.Record(nil), records...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ID < sorted[j].ID
	})

	entries := make([]entry, 0, len(sorted))
	var failures []model.LoadFailure
	for _, rec := range sorted {
		if rec.ImageRef == "" {
			continue
		}
		img, err := ast.Read(ctx, rec.ImageRef)
		if err != nil {
			failures = append(failures, model.LoadFailure{IdentityID: rec.ID, Reason: "image unreadable"})
			continue
		}
		face, err := facerec.EncodeSingle(ctx, enc, img)
		if err != nil {
			failures = append(failures, model.LoadFailure{IdentityID: rec.ID, Reason: loadFailureReason(err)})
			continue
		}
		entries = append(entries, entry{id: rec.ID, embedding: face.Embedding})
	}

	m.idx.Store(&index{entries: entries})
	m.log.Info("encoding index reloaded",
		zap.Int("loaded", len(entries)),
		zap.Int("failed", len(failures)),
	)
	return model.LoadReport{Loaded: len(entries), Failures: failures}
}

// Match returns the closest enrolled identity strictly below tolerance.
// When two identities are equidistant, the one loaded first wins.
func (m *Matcher) Match(probe []float64) (string, float64, bool) {
	idx := m.idx.Load()
	best := -1
	bestDist := math.Inf(1)
	for i := range idx.entries {
		if d := facerec.Distance(probe, idx.entries[i].embedding); d < bestDist {
			bestDist = d
			best = i
		}
	}
	if best < 0 || bestDist >= m.tolerance {
		return "", 0, false
	}
	return idx.entries[best].id, bestDist, true
}

// Size reports how many identities are currently indexed.
func (m *Matcher) Size() int {
	return len(m.idx.Load().entries)
}

func loadFailureReason(err error) string {
	switch {
	case errors.Is(err, errs.ErrNoFace):
		return "no face found"
	case errors.Is(err, errs.ErrMultipleFaces):
		return "multiple faces found"
	case errors.Is(err, errs.ErrDecode):
		return "image unreadable"
	default:
		return "encoder failure"
	}
}
