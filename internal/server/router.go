package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprometheus "github.com/zsais/go-gin-prometheus"
	"go.uber.org/zap"

	"github.com/plumenotehq/plumenote/internal/auth"
	"github.com/plumenotehq/plumenote/internal/collab"
	"github.com/plumenotehq/plumenote/internal/notes"
)

const (
	userIDContextKey = "plumenote_user_id"
	claimsContextKey = "plumenote_claims"
)

var (
	errMissingVerifier     = errors.New("token verifier dependency required")
	errMissingNotesService = errors.New("notes service dependency required")
	errMissingRegistry     = errors.New("session registry dependency required")
	errInvalidAuth         = errors.New("authorization missing or invalid")
)

// TokenVerifier validates a bearer token and extracts the identity claims.
type TokenVerifier interface {
	Verify(token string) (auth.Claims, error)
}

// Dependencies wires the HTTP layer.
type Dependencies struct {
	Verifier     TokenVerifier
	NotesService *notes.Service
	Registry     *collab.Registry
	Logger       *zap.Logger
	// Metrics enables the prometheus middleware. Disabled in tests to
	// avoid duplicate collector registration.
	Metrics bool
}

// NewHTTPHandler builds the gin handler hosting the collaboration and
// versioning endpoints.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	if deps.Metrics {
		ginprometheus.NewPrometheus("plumenote").Use(router)
	}

	handler := &httpHandler{
		verifier:     deps.Verifier,
		notesService: deps.NotesService,
		registry:     deps.Registry,
		logger:       logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/:docKey", handler.handleCollab)
	// The beacon authenticates inline: it never answers with an error
	// status, not even 401.
	router.POST("/notes/snapshot", handler.handleSnapshotBeacon)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes/:noteID/restore", handler.handleRestore)

	return router, nil
}

type httpHandler struct {
	verifier     TokenVerifier
	notesService *notes.Service
	registry     *collab.Registry
	logger       *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuth.Error()})
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.Subject)
	c.Set(claimsContextKey, claims)
	c.Next()
}

func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

type notePayload struct {
	NoteID           string `json:"note_id"`
	OwnerID          string `json:"owner_id"`
	Title            string `json:"title"`
	Content          string `json:"content"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func noteToPayload(note notes.Note) notePayload {
	return notePayload{
		NoteID:           note.NoteID,
		OwnerID:          note.OwnerID,
		Title:            note.Title,
		Content:          note.Content,
		UpdatedAtSeconds: note.UpdatedAtSeconds,
	}
}

type restoreRequestPayload struct {
	VersionID string `json:"version_id"`
}

type restoreResponsePayload struct {
	Note          notePayload `json:"note"`
	RestoredFrom  int64       `json:"restored_from"`
	UndoVersionID string      `json:"undo_version_id"`
}

func (h *httpHandler) handleRestore(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	noteID, err := notes.NewNoteID(c.Param("noteID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_note_id"})
		return
	}
	var request restoreRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	versionID, err := notes.NewVersionID(request.VersionID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_id"})
		return
	}

	result, err := h.notesService.Restore(c.Request.Context(), noteID, versionID, userID)
	if err != nil {
		h.writeRestoreError(c, noteID, err)
		return
	}

	c.JSON(http.StatusOK, restoreResponsePayload{
		Note:          noteToPayload(result.Note),
		RestoredFrom:  result.RestoredFrom,
		UndoVersionID: result.UndoVersionID,
	})
}

func (h *httpHandler) writeRestoreError(c *gin.Context, noteID notes.NoteID, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "note_not_found"})
	case errors.Is(err, notes.ErrVersionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "version_not_found"})
	case errors.Is(err, notes.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("restore failed",
			zap.String("note_id", noteID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "restore_failed"})
	}
}

type beaconRequestPayload struct {
	NoteID string `json:"note_id"`
}

type beaconResponsePayload struct {
	Created   bool   `json:"created"`
	VersionID string `json:"version_id,omitempty"`
	Reason    string `json:"reason"`
}

// handleSnapshotBeacon never fails at the transport level: page-close
// beacons must not block navigation, so every failure, authentication
// included, collapses to reason "error" behind an HTTP 200.
func (h *httpHandler) handleSnapshotBeacon(c *gin.Context) {
	claims, err := h.verifier.Verify(bearerToken(c))
	if err != nil {
		h.logger.Warn("snapshot beacon rejected", zap.Error(err))
		c.JSON(http.StatusOK, beaconResponsePayload{Created: false, Reason: notes.ReasonError})
		return
	}
	userID, err := notes.NewUserID(claims.Subject)
	if err != nil {
		c.JSON(http.StatusOK, beaconResponsePayload{Created: false, Reason: notes.ReasonError})
		return
	}

	var request beaconRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusOK, beaconResponsePayload{Created: false, Reason: notes.ReasonError})
		return
	}
	noteID, err := notes.NewNoteID(request.NoteID)
	if err != nil {
		c.JSON(http.StatusOK, beaconResponsePayload{Created: false, Reason: notes.ReasonError})
		return
	}

	result, err := h.notesService.CreateSnapshot(c.Request.Context(), noteID, userID)
	if err != nil {
		h.logger.Warn("snapshot beacon failed",
			zap.String("note_id", noteID.String()),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusOK, beaconResponsePayload{Created: false, Reason: notes.ReasonError})
		return
	}

	c.JSON(http.StatusOK, beaconResponsePayload{
		Created:   result.Created,
		VersionID: result.VersionID,
		Reason:    result.Reason,
	})
}

func (h *httpHandler) requestUserID(c *gin.Context) (notes.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := notes.NewUserID(raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}
