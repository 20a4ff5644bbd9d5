package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wordbank/internal/entries"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "wordbank_user_id"
	deviceIDHeader   = "X-Device-ID"
	defaultPageLimit = 100
	maxPageLimit     = 500
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingUserDirectory  = errors.New("user directory dependency required")
	errMissingEntryService   = errors.New("entry service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token to its subject.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// UserDirectory maps token subjects to user ids.
type UserDirectory interface {
	EnsureUser(ctx context.Context, subject string) (string, error)
}

// EntryService is the authoritative entry store.
type EntryService interface {
	ListEntries(ctx context.Context, userID entries.UserID, options entries.ListOptions) ([]entries.Entry, error)
	GetEntry(ctx context.Context, userID entries.UserID, id int64) (entries.Entry, error)
	CreateEntry(ctx context.Context, userID entries.UserID, draft entries.Draft, deviceID string) (entries.Entry, error)
	DeleteEntry(ctx context.Context, userID entries.UserID, id int64, deviceID string) (entries.Entry, error)
	FindSimilar(ctx context.Context, userID entries.UserID, id int64, limit int) ([]entries.SimilarEntry, error)
	Reconcile(ctx context.Context, userID entries.UserID, deviceID string, lastSync time.Time, mutations []entries.Mutation) (entries.ReconcileResult, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Tokens  TokenValidator
	Users   UserDirectory
	Entries EntryService
	Logger  *zap.Logger
}

// NewHTTPHandler builds the gin router for the entry API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Users == nil {
		return nil, errMissingUserDirectory
	}
	if deps.Entries == nil {
		return nil, errMissingEntryService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", deviceIDHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.Tokens,
		users:   deps.Users,
		entries: deps.Entries,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/entries", handler.handleListEntries)
	protected.POST("/entries", handler.handleCreateEntry)
	protected.GET("/entries/:id", handler.handleGetEntry)
	protected.DELETE("/entries/:id", handler.handleDeleteEntry)
	protected.GET("/entries/:id/similar", handler.handleFindSimilar)
	protected.POST("/sync", handler.handleSync)

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	users   UserDirectory
	entries EntryService
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListEntries(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	skip, err := queryInt(c, "skip", 0)
	if err != nil || skip < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	limit, err := queryInt(c, "limit", defaultPageLimit)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	list, err := h.entries.ListEntries(c.Request.Context(), userID, entries.ListOptions{Offset: skip, Limit: limit})
	if err != nil {
		h.respondError(c, "failed to list entries", err)
		return
	}
	c.JSON(http.StatusOK, toEntryPayloads(list))
}

func (h *httpHandler) handleCreateEntry(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request createEntryRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	entry, err := h.entries.CreateEntry(c.Request.Context(), userID, entries.Draft{
		Content: request.Content,
		Source:  request.Source,
		Note:    request.Note,
	}, deviceID(c))
	if err != nil {
		h.respondError(c, "failed to create entry", err)
		return
	}
	c.JSON(http.StatusCreated, toEntryPayload(entry))
}

func (h *httpHandler) handleGetEntry(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	entry, err := h.entries.GetEntry(c.Request.Context(), userID, id)
	if err != nil {
		h.respondError(c, "failed to load entry", err)
		return
	}
	c.JSON(http.StatusOK, toEntryPayload(entry))
}

func (h *httpHandler) handleDeleteEntry(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	if _, err := h.entries.DeleteEntry(c.Request.Context(), userID, id, deviceID(c)); err != nil {
		h.respondError(c, "failed to delete entry", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "id": id})
}

func (h *httpHandler) handleFindSimilar(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	similar, err := h.entries.FindSimilar(c.Request.Context(), userID, id, limit)
	if err != nil {
		h.respondError(c, "failed to find similar entries", err)
		return
	}
	response := make([]similarEntryPayload, 0, len(similar))
	for _, item := range similar {
		response = append(response, similarEntryPayload{Entry: toEntryPayload(item.Entry), Score: item.Score})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleSync(c *gin.Context) {
	userID, ok := h.requireUser(c)
	if !ok {
		return
	}
	var request syncRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	device := strings.TrimSpace(request.DeviceID)
	if device == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_device_id"})
		return
	}

	mutations := make([]entries.Mutation, 0, len(request.LocalEntries))
	for _, local := range request.LocalEntries {
		if local.ID == 0 && strings.TrimSpace(local.ClientID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_entry_identity"})
			return
		}
		mutations = append(mutations, local.toMutation())
	}
	var lastSync time.Time
	if request.LastSyncTime != nil {
		lastSync = request.LastSyncTime.UTC()
	}

	result, err := h.entries.Reconcile(c.Request.Context(), userID, device, lastSync, mutations)
	if err != nil {
		h.respondError(c, "failed to reconcile entries", err)
		return
	}

	response := syncResponsePayload{
		ServerEntries: toEntryPayloads(result.ServerEntries),
		Conflicts:     make([]conflictPayload, 0, len(result.Conflicts)),
		LastSyncTime:  result.SyncTimestamp.UTC(),
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, conflictPayload{
			Local:  fromMutation(conflict.Local),
			Server: toEntryPayload(conflict.Server),
		})
	}
	c.JSON(http.StatusOK, response)
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
	userID, err := h.users.EnsureUser(c.Request.Context(), subject)
	if err != nil {
		h.logger.Error("failed to resolve user", zap.String("subject", subject), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) requireUser(c *gin.Context) (entries.UserID, bool) {
	userID, err := entries.NewUserID(c.GetString(userIDContextKey))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, entries.ErrEmptyContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "empty_content"})
		return
	case errors.Is(err, entries.ErrInvalidEntryID):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	case errors.Is(err, entries.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	h.logger.Error(message, zap.Error(err))
	body := gin.H{"error": "internal_error"}
	var serviceErr *entries.ServiceError
	if errors.As(err, &serviceErr) {
		body["code"] = serviceErr.Code()
	}
	c.JSON(http.StatusInternalServerError, body)
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return 0, false
	}
	return id, true
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return fallback, nil
	}
	return strconv.Atoi(raw)
}

func deviceID(c *gin.Context) string {
	return strings.TrimSpace(c.GetHeader(deviceIDHeader))
}
