// Package capture runs the terminal's frame pipeline: a preview loop that
// keeps only the most recent camera frame, and a worker that evaluates a
// single frame on demand.
package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
)

// FrameSource delivers camera frames. ReadFrame blocks until a frame is
// available or ctx is done.
type FrameSource interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close() error
}

// Decider evaluates one frame. Satisfied by the access engine.
type Decider interface {
	Decide(ctx context.Context, frame []byte) (model.Decision, error)
}

type frame struct {
	data []byte
	at   time.Time
}

// Pipeline connects a frame source to a decider. The preview loop overwrites
// the held frame on every read, so a capture always evaluates the newest
// frame, never a queued backlog. At most one capture is in flight.
type Pipeline struct {
	src         FrameSource
	dec         Decider
	log         *zap.Logger
	maxFrameAge time.Duration

	latest    atomic.Pointer[frame]
	pending   atomic.Bool
	requests  chan []byte
	preview   chan []byte
	decisions chan model.Decision
}

// NewPipeline builds a pipeline. maxFrameAge bounds how stale the held frame
// may be before Capture refuses it; zero disables the check.
func NewPipeline(src FrameSource, dec Decider, maxFrameAge time.Duration, log *zap.Logger) *Pipeline {
	return &Pipeline{
		src:         src,
		dec:         dec,
		log:         log,
		maxFrameAge: maxFrameAge,
		requests:    make(chan []byte, 1),
		preview:     make(chan []byte, 1),
		decisions:   make(chan model.Decision, 1),
	}
}

// Run drives the preview and decision loops until ctx is done or the camera
// becomes unavailable. The source is closed on every exit path and the
// decisions channel is closed afterwards.
func (p *Pipeline) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer p.src.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.decideLoop(ctx)
	}()

	err := p.readLoop(ctx)
	cancel()
	wg.Wait()
	close(p.preview)
	close(p.decisions)

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (p *Pipeline) readLoop(ctx context.Context) error {
	for {
		b, err := p.src.ReadFrame(ctx)
		switch {
		case err == nil:
			p.latest.Store(&frame{data: b, at: time.Now()})
			p.publishPreview(b)
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errs.ErrCameraUnavailable):
			return err
		default:
			p.log.Warn("frame read failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
}

func (p *Pipeline) decideLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case b := <-p.requests:
			d, err := p.dec.Decide(ctx, b)
			if err != nil {
				p.log.Error("decision failed", zap.Error(err))
				d = model.Decision{Kind: model.RejectedInput, Message: "internal error"}
			}
			p.pending.Store(false)
			select {
			case <-ctx.Done():
				return
			case p.decisions <- d:
			}
		}
	}
}

// Capture requests a decision on the newest frame. It returns immediately;
// the outcome arrives on Decisions. ErrNoFrame means no usable frame is
// held, ErrCaptureBusy means a previous capture has not finished yet.
func (p *Pipeline) Capture() error {
	f := p.latest.Load()
	if f == nil {
		return errs.ErrNoFrame
	}
	if p.maxFrameAge > 0 && time.Since(f.at) > p.maxFrameAge {
		return errs.ErrNoFrame
	}
	if !p.pending.CompareAndSwap(false, true) {
		return errs.ErrCaptureBusy
	}
	// The request slot is guaranteed free while pending was false.
	p.requests <- f.data
	return nil
}

// publishPreview replaces any unconsumed frame in the preview mailbox, so a
// slow renderer always picks up the newest frame and never applies
// backpressure on the read loop. Only the read loop sends here.
func (p *Pipeline) publishPreview(b []byte) {
	select {
	case <-p.preview:
	default:
	}
	p.preview <- b
}

// Preview delivers frames for on-screen rendering, newest frame only.
// Closed when Run returns.
func (p *Pipeline) Preview() <-chan []byte {
	return p.preview
}

// Decisions delivers one entry per accepted Capture call. Closed when Run
// returns.
func (p *Pipeline) Decisions() <-chan model.Decision {
	return p.decisions
}
