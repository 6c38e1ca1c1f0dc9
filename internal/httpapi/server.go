// Package httpapi exposes the terminal over HTTP/JSON.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nmoreaux/cantinad/internal/auth"
	"github.com/nmoreaux/cantinad/internal/errs"
	"github.com/nmoreaux/cantinad/internal/model"
	"github.com/nmoreaux/cantinad/internal/store"
)

const roleAdmin = auth.RoleAdmin

// maxUploadBytes bounds a probe or enrollment image upload.
const maxUploadBytes = 8 << 20

// AccessEngine is the decision surface the API exposes.
type AccessEngine interface {
	Decide(ctx context.Context, frame []byte) (model.Decision, error)
	DecideFromFile(ctx context.Context, path string) (model.Decision, error)
	ReloadIndex(ctx context.Context) (model.LoadReport, error)
	Enroll(ctx context.Context, id, displayName string, photo []byte, initial decimal.Decimal) (*model.Record, error)
}

// Authenticator issues and validates operator sessions.
type Authenticator interface {
	Login(ctx context.Context, username, secret, ip string) (auth.Tokens, error)
	ParseToken(token string) (*auth.Claims, error)
}

// IndexSizer reports how many identities the matcher currently holds.
type IndexSizer interface {
	Size() int
}

// Server wires the engine, record store and auth service into HTTP handlers.
type Server struct {
	eng            AccessEngine
	records        store.RecordStore
	auth           Authenticator
	index          IndexSizer
	log            *zap.Logger
	defaultBalance decimal.Decimal
}

// New constructs the API server.
func New(eng AccessEngine, records store.RecordStore, authn Authenticator, index IndexSizer, defaultBalance decimal.Decimal, log *zap.Logger) *Server {
	return &Server{
		eng:            eng,
		records:        records,
		auth:           authn,
		index:          index,
		log:            log,
		defaultBalance: defaultBalance,
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(Recovery(s.log), RequestLogger(s.log))

	r.GET("/healthz", s.healthz)
	r.POST("/v1/auth/login", s.login)

	v1 := r.Group("/v1", s.authRequired())
	{
		v1.POST("/access/decide", s.decide)
		v1.POST("/access/decide-file", s.decideFile)
		v1.POST("/index/reload", s.reloadIndex)
		v1.GET("/identities", s.listIdentities)
		v1.GET("/identities/:id", s.getIdentity)
		v1.GET("/identities/:id/balance", s.checkBalance)

		admin := v1.Group("", s.adminOnly())
		{
			admin.POST("/identities", s.enroll)
			admin.DELETE("/identities/:id", s.deleteIdentity)
			admin.POST("/identities/:id/balance", s.adjustBalance)
			admin.GET("/stats", s.stats)
		}
	}
	return r
}

// --- Handlers ---

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "index_size": s.index.Size()})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Secret   string `json:"secret" binding:"required"`
}

func (s *Server) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and secret required"})
		return
	}
	tok, err := s.auth.Login(c.Request.Context(), req.Username, req.Secret, c.ClientIP())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token": tok.AccessToken,
		"expires_at":   tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) decide(c *gin.Context) {
	frame, err := s.readImage(c, "image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.eng.Decide(c.Request.Context(), frame)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decisionJSON(d))
}

type decideFileRequest struct {
	Path string `json:"path" binding:"required"`
}

func (s *Server) decideFile(c *gin.Context) {
	var req decideFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path required"})
		return
	}
	d, err := s.eng.DecideFromFile(c.Request.Context(), req.Path)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, decisionJSON(d))
}

func (s *Server) reloadIndex(c *gin.Context) {
	report, err := s.eng.ReloadIndex(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, loadReportJSON(report))
}

func (s *Server) listIdentities(c *gin.Context) {
	recs, err := s.records.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordJSON(rec))
	}
	c.JSON(http.StatusOK, gin.H{"identities": out})
}

func (s *Server) getIdentity(c *gin.Context) {
	rec, err := s.records.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, recordJSON(rec))
}

func (s *Server) enroll(c *gin.Context) {
	photo, err := s.readImage(c, "photo")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id := c.PostForm("id")
	name := c.PostForm("display_name")

	initial := s.defaultBalance
	if v := c.PostForm("initial_balance"); v != "" {
		initial, err = decimal.NewFromString(v)
		if err != nil || initial.IsNegative() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad initial_balance"})
			return
		}
	}

	rec, err := s.eng.Enroll(c.Request.Context(), id, name, photo, initial)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, recordJSON(rec))
}

func (s *Server) deleteIdentity(c *gin.Context) {
	id := c.Param("id")
	if err := s.records.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	// The deleted identity must stop matching right away.
	if _, err := s.eng.ReloadIndex(c.Request.Context()); err != nil {
		s.log.Warn("index reload after delete failed", zap.String("identity", id), zap.Error(err))
	}
	c.Status(http.StatusNoContent)
}

type adjustBalanceRequest struct {
	Amount string `json:"amount" binding:"required"`
	Reason string `json:"reason"`
}

func (s *Server) adjustBalance(c *gin.Context) {
	var req adjustBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount required"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad amount"})
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "manual"
	}

	balance, err := s.records.AdjustBalance(c.Request.Context(), c.Param("id"), amount, reason)
	if err != nil {
		if errors.Is(err, errs.ErrInsufficientFunds) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient funds",
				"balance": balance.StringFixed(2),
			})
			return
		}
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.StringFixed(2)})
}

func (s *Server) checkBalance(c *gin.Context) {
	balance, err := s.records.CheckBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": balance.StringFixed(2)})
}

func (s *Server) stats(c *gin.Context) {
	st, err := s.records.Stats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"total_identities": st.TotalIdentities,
		"total_balance":    st.TotalBalance.StringFixed(2),
		"avg_balance":      st.AvgBalance.StringFixed(2),
	})
}

// --- Helpers ---

// readImage accepts either a multipart upload under field or a raw body.
func (s *Server) readImage(c *gin.Context, field string) ([]byte, error) {
	if fh, err := c.FormFile(field); err == nil {
		if fh.Size > maxUploadBytes {
			return nil, errors.New("image too large")
		}
		f, err := fh.Open()
		if err != nil {
			return nil, errors.New("unreadable upload")
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxUploadBytes))
	}
	b, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadBytes))
	if err != nil || len(b) == 0 {
		return nil, errors.New("image required")
	}
	return b, nil
}

func (s *Server) claims(c *gin.Context) *auth.Claims {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil
	}
	claims, _ := v.(*auth.Claims)
	return claims
}

func (s *Server) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, errs.ErrDuplicateID):
		c.JSON(http.StatusConflict, gin.H{"error": "identity already exists"})
	case errors.Is(err, errs.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient funds"})
	case errors.Is(err, errs.ErrNoFace):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no face detected"})
	case errors.Is(err, errs.ErrMultipleFaces):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "multiple faces detected"})
	case errors.Is(err, errs.ErrDecode):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unreadable image"})
	case errors.Is(err, errs.ErrValidation):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, errs.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad credentials"})
	case errors.Is(err, errs.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
	default:
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

func decisionJSON(d model.Decision) gin.H {
	out := gin.H{
		"kind":    d.Kind,
		"message": d.Message,
	}
	if d.IdentityID != "" {
		out["identity_id"] = d.IdentityID
		out["distance"] = d.Distance
	}
	if d.Balance != nil {
		out["balance"] = d.Balance.StringFixed(2)
	}
	return out
}

func recordJSON(rec *model.Record) gin.H {
	out := gin.H{
		"id":           rec.ID,
		"display_name": rec.DisplayName,
		"balance":      rec.Balance.StringFixed(2),
		"created_at":   rec.CreatedAt.UTC().Format(time.RFC3339),
		"access_count": rec.AccessCount,
	}
	if rec.LastAccessAt != nil {
		out["last_access_at"] = rec.LastAccessAt.UTC().Format(time.RFC3339)
	}
	return out
}

func loadReportJSON(r model.LoadReport) gin.H {
	failures := make([]gin.H, 0, len(r.Failures))
	for _, f := range r.Failures {
		failures = append(failures, gin.H{"identity_id": f.IdentityID, "reason": f.Reason})
	}
	return gin.H{"loaded": r.Loaded, "failures": failures}
}
