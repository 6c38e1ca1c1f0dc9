// Package engine orchestrates one access attempt: probe encoding, identity
// matching, guarded balance deduction and the audit trail around it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/assets"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/facerec"
	"github.com/nmoreaux/cantinad/internal/matcher"
	"github.com/nmoreaux/cantinad/internal/model"
	"github.com/nmoreaux/cantinad/internal/store"
)

// Message classes per terminal decision state. The GUI collaborator renders
// these; the engine never produces free-form error text for users.
const (
	msgGranted      = "access granted"
	msgInsufficient = "insufficient balance"
	msgUnknown      = "identity not recognized"
	msgNoFace       = "no face detected"
	msgUnreadable   = "unreadable image"
	msgEncoderDown  = "encoder unavailable"
)

// Engine evaluates access attempts. Each submitted frame is evaluated
// exactly once; there are no automatic retries. The caller re-invokes on a
// new capture if it wants another attempt.
type Engine struct {
	enc      facerec.Encoder
	matcher  *matcher.Matcher
	records  store.RecordStore
	assets   assets.Store
	log      *zap.Logger
	mealCost decimal.Decimal
}

// New wires the decision pipeline.
func New(enc facerec.Encoder, m *matcher.Matcher, records store.RecordStore, ast assets.Store, mealCost decimal.Decimal, log *zap.Logger) *Engine {
	return &Engine{enc: enc, matcher: m, records: records, assets: ast, log: log, mealCost: mealCost}
}

// Decide runs the state machine for one frame:
//
//	encode -> match -> balance check/deduct
//
// Input and business failures come back as typed Decision outcomes; only
// storage/audit failures are returned as errors.
func (e *Engine) Decide(ctx context.Context, frame []byte) (model.Decision, error) {
	faces, err := e.enc.Encode(ctx, frame)
	if err != nil {
		switch {
		case errors.Is(err, errs.ErrNoFace):
			return rejected(msgNoFace), nil
		case errors.Is(err, errs.ErrDecode):
			return rejected(msgUnreadable), nil
		default:
			e.log.Error("encoder failure", zap.Error(err))
			return rejected(msgEncoderDown), nil
		}
	}
	if len(faces) == 0 {
		return rejected(msgNoFace), nil
	}
	// More than one face: proceed with the first in scan order. The scanner
	// processes whoever is front-most, it does not refuse the frame.
	probe := faces[0].Embedding

	id, dist, ok := e.matcher.Match(probe)
	if !ok {
		return model.Decision{Kind: model.DeniedUnknown, Message: msgUnknown}, nil
	}

	newBal, err := e.records.AdjustBalance(ctx, id, e.mealCost.Neg(), store.ReasonAccess)
	switch {
	case err == nil:
		e.log.Info("access granted",
			zap.String("identity", id),
			zap.Float64("distance", dist),
			zap.String("balance", newBal.StringFixed(2)),
		)
		return model.Decision{
			Kind:       model.Granted,
			IdentityID: id,
			Balance:    &newBal,
			Distance:   dist,
			Message:    msgGranted,
		}, nil
	case errors.Is(err, errs.ErrInsufficientFunds):
		e.log.Info("access denied, insufficient balance",
			zap.String("identity", id),
			zap.String("balance", newBal.StringFixed(2)),
		)
		return model.Decision{
			Kind:       model.DeniedBalance,
			IdentityID: id,
			Balance:    &newBal,
			Distance:   dist,
			Message:    msgInsufficient,
		}, nil
	case errors.Is(err, errs.ErrNotFound):
		// The index can briefly outlive a deleted record.
		e.log.Warn("matched identity missing from store", zap.String("identity", id))
		return model.Decision{Kind: model.DeniedUnknown, Message: msgUnknown}, nil
	default:
		return model.Decision{}, err
	}
}

// DecideFromFile evaluates a single on-disk image (file mode).
func (e *Engine) DecideFromFile(ctx context.Context, path string) (model.Decision, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		e.log.Warn("image file unreadable", zap.String("path", path), zap.Error(err))
		return rejected(msgUnreadable), nil
	}
	return e.Decide(ctx, b)
}

// ReloadIndex rebuilds the encoding index from the record store.
func (e *Engine) ReloadIndex(ctx context.Context) (model.LoadReport, error) {
	recs, err := e.records.List(ctx)
	if err != nil {
		return model.LoadReport{}, err
	}
	return e.matcher.Load(ctx, recs, e.assets, e.enc), nil
}

// Enroll registers a new identity: the photo must contain exactly one face,
// the image is stored in the asset store, the record created, and the index
// rebuilt so the identity is immediately matchable.
func (e *Engine) Enroll(ctx context.Context, id, displayName string, photo []byte, initial decimal.Decimal) (*model.Record, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if err := validateName(displayName); err != nil {
		return nil, err
	}
	if _, err := facerec.EncodeSingle(ctx, e.enc, photo); err != nil {
		return nil, err
	}
	ref, err := e.assets.Save(ctx, id, displayName, photo)
	if err != nil {
		return nil, err
	}
	rec, err := e.records.Create(ctx, id, displayName, ref, initial)
	if err != nil {
		return nil, err
	}
	if _, err := e.ReloadIndex(ctx); err != nil {
		e.log.Warn("index reload after enroll failed", zap.String("identity", id), zap.Error(err))
	}
	return rec, nil
}

var (
	idPattern   = regexp.MustCompile(`^[a-zA-Z0-9]{3,20}$`)
	namePattern = regexp.MustCompile(`^[\pL\s'.-]{2,50}$`)
)

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id must be 3-20 alphanumeric characters", errs.ErrValidation)
	}
	return nil
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: display name must be 2-50 letters", errs.ErrValidation)
	}
	return nil
}

func rejected(msg string) model.Decision {
	return model.Decision{Kind: model.RejectedInput, Message: msg}
}
