package matcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/assets"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/facerec"
	"github.com/nmoreaux/cantinad/internal/model"
)

// mapAssets serves image bytes from a map.
type mapAssets map[string][]byte

func (m mapAssets) Read(_ context.Context, ref string) ([]byte, error) {
	b, ok := m[ref]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return b, nil
}

func (m mapAssets) Save(context.Context, string, string, []byte) (string, error) {
	return "", fmt.Errorf("read-only")
}

var _ assets.Store = (mapAssets)(nil)

// tableEncoder maps image bytes to canned results.
type tableEncoder struct {
	faces map[string][]facerec.Face
	errs  map[string]error
}

func (e tableEncoder) Encode(_ context.Context, image []byte) ([]facerec.Face, error) {
	if err, ok := e.errs[string(image)]; ok {
		return nil, err
	}
	return e.faces[string(image)], nil
}

func rec(id, ref string, createdAt time.Time) *model.Record {
	return &model.Record{ID: id, ImageRef: ref, CreatedAt: createdAt}
}

func face(v ...float64) facerec.Face { return facerec.Face{Embedding: v} }

func testFixture() ([]*model.Record, mapAssets, tableEncoder) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*model.Record{
		rec("S1", "s1.jpg", t0),
		rec("S2", "s2.jpg", t0.Add(time.Hour)),
		rec("S3", "s3.jpg", t0.Add(2*time.Hour)),
		rec("NOIMG", "", t0),
	}
	ast := mapAssets{"s1.jpg": []byte("img1"), "s2.jpg": []byte("img2"), "s3.jpg": []byte("img3")}
	enc := tableEncoder{
		faces: map[string][]facerec.Face{
			"img1": {face(0, 0)},
			"img2": {face(1, 0)},
			"img3": {face(10, 10)},
		},
	}
	return records, ast, enc
}

func TestLoad_CountsAndFailures(t *testing.T) {
	records, ast, enc := testFixture()
	records = append(records,
		rec("NOFACE", "noface.jpg", time.Now()),
		rec("MULTI", "multi.jpg", time.Now()),
		rec("GONE", "missing.jpg", time.Now()),
	)
	ast["noface.jpg"] = []byte("noface")
	ast["multi.jpg"] = []byte("multi")
	enc.errs = map[string]error{"noface": errs.ErrNoFace}
	enc.faces["multi"] = []facerec.Face{face(1), face(2)}

	m := New(0.6, zap.NewNop())
	report := m.Load(context.Background(), records, ast, enc)

	require.Equal(t, 3, report.Loaded)
	require.Equal(t, 3, m.Size())
	require.Len(t, report.Failures, 3)

	reasons := map[string]string{}
	for _, f := range report.Failures {
		reasons[f.IdentityID] = f.Reason
	}
	require.Equal(t, "no face found", reasons["NOFACE"])
	require.Equal(t, "multiple faces found", reasons["MULTI"])
	require.Equal(t, "image unreadable", reasons["GONE"])
}

func TestMatch_NearestUnderTolerance(t *testing.T) {
	records, ast, enc := testFixture()
	m := New(0.6, zap.NewNop())
	m.Load(context.Background(), records, ast, enc)

	id, dist, ok := m.Match([]float64{0.1, 0})
	require.True(t, ok)
	require.Equal(t, "S1", id)
	require.InDelta(t, 0.1, dist, 1e-12)

	// Deterministic for a fixed index and probe.
	for i := 0; i < 5; i++ {
		id2, dist2, ok2 := m.Match([]float64{0.1, 0})
		require.True(t, ok2)
		require.Equal(t, id, id2)
		require.Equal(t, dist, dist2)
	}
}

func TestMatch_StrictlyBelowTolerance(t *testing.T) {
	records, ast, enc := testFixture()
	m := New(0.5, zap.NewNop())
	m.Load(context.Background(), records, ast, enc)

	// Distance exactly at the tolerance is not a match.
	_, _, ok := m.Match([]float64{0.5, 0})
	require.False(t, ok)

	_, _, ok = m.Match([]float64{0.499, 0})
	require.True(t, ok)
}

func TestMatch_TieBreakFirstLoaded(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	records := []*model.Record{
		rec("LATER", "b.jpg", t0.Add(time.Hour)),
		rec("FIRST", "a.jpg", t0),
	}
	ast := mapAssets{"a.jpg": []byte("a"), "b.jpg": []byte("b")}
	enc := tableEncoder{faces: map[string][]facerec.Face{
		"a": {face(1, 1)},
		"b": {face(1, 1)}, // equidistant from any probe
	}}

	m := New(0.6, zap.NewNop())
	m.Load(context.Background(), records, ast, enc)

	id, _, ok := m.Match([]float64{1, 1.1})
	require.True(t, ok)
	require.Equal(t, "FIRST", id, "first-loaded identity wins an exact tie")
}

func TestLoad_ReloadIdempotent(t *testing.T) {
	records, ast, enc := testFixture()
	m := New(0.6, zap.NewNop())

	r1 := m.Load(context.Background(), records, ast, enc)
	id1, d1, ok1 := m.Match([]float64{0.9, 0})
	r2 := m.Load(context.Background(), records, ast, enc)
	id2, d2, ok2 := m.Match([]float64{0.9, 0})

	require.Equal(t, r1.Loaded, r2.Loaded)
	require.Equal(t, ok1, ok2)
	require.Equal(t, id1, id2)
	require.Equal(t, d1, d2)
}

func TestMatch_EmptyIndex(t *testing.T) {
	m := New(0.6, zap.NewNop())
	_, _, ok := m.Match([]float64{0, 0})
	require.False(t, ok)
}

func TestMatch_ConcurrentWithReload(t *testing.T) {
	records, ast, enc := testFixture()
	m := New(0.6, zap.NewNop())
	m.Load(context.Background(), records, ast, enc)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				m.Load(context.Background(), records, ast, enc)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			// Every match sees one consistent index: either a hit on S1
			// or nothing, never a partially built snapshot.
			if id, _, ok := m.Match([]float64{0, 0}); ok && id != "S1" {
				t.Errorf("matched %q against torn index", id)
				return
			}
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(done)
	wg.Wait()
}
