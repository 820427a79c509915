// Package api exposes the auth core to UI clients over HTTP. Each client
// opens a session and drives its own Orchestrator through the session routes.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/systemcmd0122/toramori/internal/auth"
	"github.com/systemcmd0122/toramori/internal/identity"
	"github.com/systemcmd0122/toramori/internal/metrics"
	"github.com/systemcmd0122/toramori/internal/netcall"
	"github.com/systemcmd0122/toramori/internal/region"
	"go.uber.org/zap"
)

// RegionLister lists the regions a user can join.
type RegionLister interface {
	ActiveRegions(ctx context.Context, forceRefresh bool) ([]region.Data, error)
}

// EmailConfirmer consumes email verification tokens.
type EmailConfirmer interface {
	ConfirmEmail(ctx context.Context, token string) error
}

// Handler serves the session and region routes.
type Handler struct {
	hub     *Hub
	regions RegionLister
	emails  EmailConfirmer
	logger  *zap.Logger
}

// NewHandler creates a Handler.
func NewHandler(hub *Hub, regions RegionLister, emails EmailConfirmer, logger *zap.Logger) *Handler {
	return &Handler{hub: hub, regions: regions, emails: emails, logger: logger}
}

// Register mounts all routes on the provided router group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/sessions", h.OpenSession)

	s := rg.Group("/sessions/:id")
	{
		s.GET("", h.GetSession)
		s.DELETE("", h.CloseSession)
		s.POST("/signin", h.SignIn)
		s.POST("/signup", h.SignUp)
		s.POST("/federated", h.SignInFederated)
		s.POST("/signout", h.SignOut)
		s.PUT("/display-name", h.UpdateDisplayName)
		s.POST("/region/verify", h.VerifyRegion)
		s.POST("/region/retry", h.RetryRegionCheck)
		s.DELETE("/region", h.ResetRegion)
		s.DELETE("/error", h.ClearError)
	}

	rg.GET("/regions", h.ListRegions)
	rg.POST("/email/verify", h.ConfirmEmail)
}

// ─── Request / Response types ────────────────────────────────────────────────

type openSessionRequest struct {
	Token string `json:"token"`
}

type credentialsRequest struct {
	Email    string `json:"email"    binding:"required"`
	Password string `json:"password" binding:"required"`
}

type federatedRequest struct {
	AccessToken string `json:"access_token" binding:"required"`
}

type displayNameRequest struct {
	DisplayName string `json:"display_name" binding:"required"`
}

type verifyRegionRequest struct {
	Code string `json:"code" binding:"required"`
}

type confirmEmailRequest struct {
	Token string `json:"token" binding:"required"`
}

type sessionResponse struct {
	SessionID string        `json:"session_id"`
	State     auth.Snapshot `json:"state"`
	LastError string        `json:"last_error,omitempty"`
	Token     string        `json:"token,omitempty"`
	Error     string        `json:"error,omitempty"`
}

func view(s *Session) sessionResponse {
	return sessionResponse{
		SessionID: s.ID,
		State:     s.Auth.Snapshot(),
		LastError: s.Auth.LastError(),
		Token:     s.Client.Token(),
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

// OpenSession handles POST /sessions.
func (h *Handler) OpenSession(c *gin.Context) {
	var req openSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	s, err := h.hub.Open(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": auth.Message(err)})
		return
	}
	c.JSON(http.StatusCreated, view(s))
}

// GetSession handles GET /sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, view(s))
}

// CloseSession handles DELETE /sessions/:id.
func (h *Handler) CloseSession(c *gin.Context) {
	if !h.hub.Close(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

// SignIn handles POST /sessions/:id/signin.
func (h *Handler) SignIn(c *gin.Context) {
	var req credentialsRequest
	h.run(c, &req, func(ctx context.Context, s *Session) error {
		return s.Auth.SignInWithPassword(ctx, req.Email, req.Password)
	})
}

// SignUp handles POST /sessions/:id/signup.
func (h *Handler) SignUp(c *gin.Context) {
	var req credentialsRequest
	h.run(c, &req, func(ctx context.Context, s *Session) error {
		return s.Auth.SignUpWithPassword(ctx, req.Email, req.Password)
	})
}

// SignInFederated handles POST /sessions/:id/federated.
func (h *Handler) SignInFederated(c *gin.Context) {
	var req federatedRequest
	h.run(c, &req, func(ctx context.Context, s *Session) error {
		return s.Auth.SignInWithFederated(ctx, req.AccessToken)
	})
}

// SignOut handles POST /sessions/:id/signout.
func (h *Handler) SignOut(c *gin.Context) {
	h.run(c, nil, func(ctx context.Context, s *Session) error {
		return s.Auth.SignOut(ctx)
	})
}

// UpdateDisplayName handles PUT /sessions/:id/display-name.
func (h *Handler) UpdateDisplayName(c *gin.Context) {
	var req displayNameRequest
	h.run(c, &req, func(ctx context.Context, s *Session) error {
		return s.Auth.UpdateDisplayName(ctx, req.DisplayName)
	})
}

// VerifyRegion handles POST /sessions/:id/region/verify.
func (h *Handler) VerifyRegion(c *gin.Context) {
	var req verifyRegionRequest
	h.run(c, &req, func(ctx context.Context, s *Session) error {
		err := s.Auth.VerifyRegion(ctx, req.Code)
		metrics.RecordRegionVerification(err == nil)
		return err
	})
}

// RetryRegionCheck handles POST /sessions/:id/region/retry.
func (h *Handler) RetryRegionCheck(c *gin.Context) {
	h.run(c, nil, func(ctx context.Context, s *Session) error {
		return s.Auth.RetryRegionCheck(ctx)
	})
}

// ResetRegion handles DELETE /sessions/:id/region.
func (h *Handler) ResetRegion(c *gin.Context) {
	h.run(c, nil, func(ctx context.Context, s *Session) error {
		return s.Auth.ResetRegion(ctx)
	})
}

// ClearError handles DELETE /sessions/:id/error.
func (h *Handler) ClearError(c *gin.Context) {
	h.run(c, nil, func(_ context.Context, s *Session) error {
		s.Auth.ClearError()
		return nil
	})
}

// ListRegions handles GET /regions. ?refresh=true bypasses the cache.
func (h *Handler) ListRegions(c *gin.Context) {
	list, err := h.regions.ActiveRegions(c.Request.Context(), c.Query("refresh") == "true")
	if err != nil {
		h.logger.Warn("list regions", zap.Error(err))
		c.JSON(statusFor(err), gin.H{"error": auth.Message(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"regions": list, "count": len(list)})
}

// ConfirmEmail handles POST /email/verify.
func (h *Handler) ConfirmEmail(c *gin.Context) {
	var req confirmEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.emails.ConfirmEmail(c.Request.Context(), req.Token); err != nil {
		c.JSON(statusFor(err), gin.H{"error": "確認リンクが無効か、有効期限が切れています"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": true})
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (h *Handler) session(c *gin.Context) (*Session, bool) {
	s, ok := h.hub.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return nil, false
	}
	return s, true
}

// run binds req (when non-nil), runs op against the session and writes the
// resulting session view.
func (h *Handler) run(c *gin.Context, req any, op func(context.Context, *Session) error) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if req != nil {
		if err := c.ShouldBindJSON(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := op(c.Request.Context(), s); err != nil {
		resp := view(s)
		resp.Error = auth.Message(err)
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, view(s))
}

func statusFor(err error) int {
	switch {
	case auth.IsClosed(err):
		return http.StatusGone
	case errors.Is(err, auth.ErrNoSession):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrInvalidDisplayName):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrDisplayNameRequired):
		return http.StatusConflict
	case errors.Is(err, region.ErrInvalidCode):
		return http.StatusUnprocessableEntity
	}
	switch identity.CodeOf(err) {
	case identity.CodeWrongPassword, identity.CodeUserNotFound, identity.CodeInvalidToken, identity.CodeNoSession:
		return http.StatusUnauthorized
	case identity.CodeUserDisabled:
		return http.StatusForbidden
	case identity.CodeEmailInUse:
		return http.StatusConflict
	case identity.CodeTooManyRequests:
		return http.StatusTooManyRequests
	case identity.CodeNetworkFailure:
		return http.StatusServiceUnavailable
	case identity.CodeInvalidEmail, identity.CodeWeakPassword:
		return http.StatusBadRequest
	}
	switch netcall.Classify(err) {
	case netcall.KindNoNetwork, netcall.KindRemoteUnavailable, netcall.KindHostUnreachable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
