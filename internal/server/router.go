package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/voxelatlas/atlas/backend/internal/segmentation"
	"github.com/voxelatlas/atlas/backend/internal/session"
	"go.uber.org/zap"
)

const userIDContextKey = "atlas_user_id"

var (
	errMissingTokenManager        = errors.New("token manager dependency required")
	errMissingSessionService      = errors.New("session service dependency required")
	errMissingSegmentationService = errors.New("segmentation service dependency required")
	errMissingPermissionChecker   = errors.New("permission checker dependency required")
	errMissingHub                 = errors.New("connection hub dependency required")
	errInvalidAuthorization       = errors.New("authorization header missing or invalid")
)

// TokenManager is the authentication boundary: it issues bearer tokens and
// resolves a presented token to a user identifier.
type TokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// PermissionChecker is the authorization boundary evaluated before session
// start and before accepting any edit.
type PermissionChecker interface {
	CanEdit(ctx context.Context, userID, projectID string) (bool, error)
}

// Dependencies wires the HTTP layer to the sync core.
type Dependencies struct {
	TokenManager  TokenManager
	Sessions      *session.Service
	Segmentations *segmentation.Service
	Permissions   PermissionChecker
	Hub           *Hub
	Clock         func() time.Time
	Logger        *zap.Logger
}

// NewHTTPHandler builds the gin router for the collaboration API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionService
	}
	if deps.Segmentations == nil {
		return nil, errMissingSegmentationService
	}
	if deps.Permissions == nil {
		return nil, errMissingPermissionChecker
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:        deps.TokenManager,
		sessions:      deps.Sessions,
		segmentations: deps.Segmentations,
		permissions:   deps.Permissions,
		hub:           deps.Hub,
		clock:         clock,
		logger:        logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	// The socket endpoint authenticates via query token inside the handler;
	// browsers cannot attach an Authorization header to a websocket upgrade.
	router.GET("/collaboration/sessions/:id/ws", handler.handleSessionSocket)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/collaboration/sessions", handler.handleStartSession)
	protected.POST("/collaboration/sessions/:id/end", handler.handleEndSession)
	protected.GET("/collaboration/sessions/active", handler.handleListActiveSessions)
	protected.POST("/segmentations/:id/save", handler.handleSaveFull)
	protected.GET("/segmentations/:id/data", handler.handleGetData)
	protected.GET("/segmentations/:id/versions", handler.handleListVersions)
	protected.GET("/segmentations/:id/edits", handler.handleEditsSince)

	return router, nil
}

type httpHandler struct {
	tokens        TokenManager
	sessions      *session.Service
	segmentations *segmentation.Service
	permissions   PermissionChecker
	hub           *Hub
	clock         func() time.Time
	logger        *zap.Logger
}

type issueTokenPayload struct {
	UserID string `json:"user_id"`
}

type tokenResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request issueTokenPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strings.TrimSpace(request.UserID))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

type startSessionPayload struct {
	SegmentationID string `json:"segmentation_id"`
	SessionName    string `json:"session_name"`
}

func (h *httpHandler) handleStartSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	var request startSessionPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.SegmentationID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	segID, err := segmentation.NewSegmentationID(request.SegmentationID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_segmentation_id"})
		return
	}

	ctx := c.Request.Context()
	seg, err := h.segmentations.Get(ctx, segID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	allowed, err := h.permissions.CanEdit(ctx, userID, seg.ProjectID)
	if err != nil {
		h.logger.Error("permission check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission_check_failed"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	starter, err := segmentation.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	record, err := h.sessions.Start(ctx, segID, starter, strings.TrimSpace(request.SessionName))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":      record.SessionID,
		"segmentation_id": record.SegmentationID,
		"started_at_ns":   record.StartedAtNanos,
		"websocket_url":   "/collaboration/sessions/" + record.SessionID + "/ws",
	})
}

type endSessionPayload struct {
	CreateFinalVersion *bool `json:"create_final_version"`
}

func (h *httpHandler) handleEndSession(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	sessionID := c.Param("id")

	makeFinalVersion := true
	var request endSessionPayload
	if err := c.ShouldBindJSON(&request); err == nil && request.CreateFinalVersion != nil {
		makeFinalVersion = *request.CreateFinalVersion
	}

	requester, err := segmentation.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	record, err := h.sessions.End(c.Request.Context(), sessionID, requester, makeFinalVersion)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	ended := NewEvent(EventTypeSessionEnded, h.clock())
	ended["session_id"] = record.SessionID
	ended["ended_by"] = userID
	ended["final_version_id"] = record.FinalVersionID
	h.hub.Broadcast(record.SessionID, ended, nil)
	h.hub.CloseSession(record.SessionID)

	c.JSON(http.StatusOK, gin.H{
		"session_id":       record.SessionID,
		"status":           record.Status,
		"ended_at_ns":      record.EndedAtNanos,
		"final_version_id": record.FinalVersionID,
	})
}

func (h *httpHandler) handleListActiveSessions(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	segmentationID := strings.TrimSpace(c.Query("segmentation_id"))

	records, err := h.sessions.ListActive(c.Request.Context(), segmentationID, userID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	payload := make([]gin.H, 0, len(records))
	for _, record := range records {
		payload = append(payload, gin.H{
			"session_id":      record.SessionID,
			"segmentation_id": record.SegmentationID,
			"started_by":      record.StartedByID,
			"started_at_ns":   record.StartedAtNanos,
			"session_name":    record.SessionName,
			"active_users":    h.hub.ParticipantsOf(record.SessionID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": payload})
}

func (h *httpHandler) handleSaveFull(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	segID, err := segmentation.NewSegmentationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_segmentation_id"})
		return
	}

	ctx := c.Request.Context()
	seg, err := h.segmentations.Get(ctx, segID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	allowed, err := h.permissions.CanEdit(ctx, userID, seg.ProjectID)
	if err != nil {
		h.logger.Error("permission check failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "permission_check_failed"})
		return
	}
	if !allowed {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	data, err := c.GetRawData()
	if err != nil || len(data) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_body"})
		return
	}

	author, err := segmentation.NewUserID(userID)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	createVersion := c.DefaultQuery("create_version", "true") == "true"
	edit, version, err := h.segmentations.SaveFull(ctx, segmentation.SaveFullRequest{
		SegmentationID: segID,
		Data:           data,
		Author:         author,
		Description:    strings.TrimSpace(c.Query("description")),
		CreateVersion:  createVersion,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	response := gin.H{
		"edit_id":    edit.EditID,
		"size_bytes": edit.SizeBytes,
	}
	if version != nil {
		response["version_id"] = version.VersionID
		response["version_number"] = version.VersionNumber
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleGetData(c *gin.Context) {
	segID, err := segmentation.NewSegmentationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_segmentation_id"})
		return
	}

	data, err := h.segmentations.GetData(c.Request.Context(), segID, strings.TrimSpace(c.Query("version_id")))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	segID, err := segmentation.NewSegmentationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_segmentation_id"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, parseErr := strconv.Atoi(raw)
		if parseErr != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	versions, err := h.segmentations.ListVersions(c.Request.Context(), segID, limit)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	payload := make([]gin.H, 0, len(versions))
	for _, version := range versions {
		payload = append(payload, gin.H{
			"version_id":        version.VersionID,
			"version_number":    version.VersionNumber,
			"created_by":        version.CreatedByID,
			"created_at_s":      version.CreatedAtSeconds,
			"description":       version.ChangeDescription,
			"is_complete_state": version.IsCompleteState,
		})
	}
	c.JSON(http.StatusOK, gin.H{"versions": payload})
}

func (h *httpHandler) handleEditsSince(c *gin.Context) {
	segID, err := segmentation.NewSegmentationID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_segmentation_id"})
		return
	}

	sinceNanos := int64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_since"})
			return
		}
		sinceNanos = parsed
	}

	edits, err := h.segmentations.EditsSince(c.Request.Context(), segID, time.Unix(0, sinceNanos), strings.TrimSpace(c.Query("session_id")))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	payload := make([]gin.H, 0, len(edits))
	for _, edit := range edits {
		payload = append(payload, gin.H{
			"edit_id":       edit.EditID,
			"kind":          edit.Kind,
			"created_by":    edit.CreatedByID,
			"created_at_ns": edit.CreatedAtNanos,
			"seq":           edit.SegmentationSeq,
			"session_id":    edit.SessionID,
			"size_bytes":    edit.SizeBytes,
			"delta_token":   edit.DeltaToken,
			"blob_path":     edit.BlobPath,
		})
	}
	c.JSON(http.StatusOK, gin.H{"edits": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// writeServiceError maps the domain error taxonomy onto HTTP statuses.
func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, segmentation.ErrNotFound), errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, session.ErrSessionConflict):
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_conflict"})
	case errors.Is(err, session.ErrInvalidState):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
	case errors.Is(err, session.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
