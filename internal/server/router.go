package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarcoPoloResearchLab/tablesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tablesync/internal/realtime"
	"github.com/MarcoPoloResearchLab/tablesync/internal/records"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tables"
	"github.com/MarcoPoloResearchLab/tablesync/internal/tablestore"
)

const (
	subjectContextKey        = "tablesync_subject"
	filterQueryPrefix        = "filter."
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingTablesService    = errors.New("tables service dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
)

// SessionValidator authenticates incoming requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Dependencies wires the HTTP handler.
type Dependencies struct {
	SessionValidator  SessionValidator
	Tables            *tables.Service
	Realtime          *realtime.Dispatcher
	Logger            *zap.Logger
	RealtimeLimiter   *rate.Limiter
	HeartbeatInterval time.Duration
}

// NewHTTPHandler builds the gin router exposing the table cache.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.SessionValidator == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Tables == nil {
		return nil, errMissingTablesService
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:  deps.SessionValidator,
		tables:    deps.Tables,
		realtime:  deps.Realtime,
		limiter:   deps.RealtimeLimiter,
		heartbeat: heartbeat,
		logger:    logger,
	}

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	tableRoutes := protected.Group("/tables/:tableId")
	tableRoutes.Use(handler.resolveTableID)
	tableRoutes.GET("/records", handler.handleLoadRecords)
	tableRoutes.POST("/records", handler.handleCreateRecord)
	tableRoutes.POST("/records/delete", handler.handleDeleteRecords)
	tableRoutes.GET("/records/:recordId", handler.handleGetRecord)
	tableRoutes.PATCH("/records/:recordId", handler.handleUpdateRecord)
	tableRoutes.GET("/count", handler.handleCountRecords)
	tableRoutes.GET("/window", handler.handleWindow)
	tableRoutes.DELETE("/window", handler.handleClearWindow)
	tableRoutes.POST("/page", handler.handleLoadPage)
	tableRoutes.POST("/reload", handler.handleReloadPage)
	tableRoutes.POST("/search", handler.handleSearch)
	tableRoutes.POST("/realtime", handler.handleRealtimeBatch)
	tableRoutes.POST("/realtime/ack", handler.handleRealtimeAck)
	tableRoutes.GET("/stream", handler.handleStream)

	containerRoutes := protected.Group("/containers/:containerId")
	containerRoutes.GET("/users", handler.handleListUsers)
	containerRoutes.GET("/users/:entityId", handler.handleGetUser)
	containerRoutes.DELETE("/users/:entityId", handler.handleDeleteUser)
	containerRoutes.GET("/buckets", handler.handleListBuckets)
	containerRoutes.GET("/buckets/:entityId", handler.handleGetBucket)
	containerRoutes.DELETE("/buckets/:entityId", handler.handleDeleteBucket)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPatch,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	sessions  SessionValidator
	tables    *tables.Service
	realtime  *realtime.Dispatcher
	limiter   *rate.Limiter
	heartbeat time.Duration
	logger    *zap.Logger
}

type tableResponse struct {
	Items     []records.Record      `json:"items"`
	Total     int                   `json:"total"`
	State     tablestore.FetchState `json:"state"`
	Skipped   bool                  `json:"skipped"`
	FromCache bool                  `json:"fromCache"`
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(subjectContextKey, claims.Subject)
	c.Next()
}

func (h *httpHandler) resolveTableID(c *gin.Context) {
	tableID, err := tablestore.ParseTableID(c.Param("tableId"))
	if err != nil || tableID <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_table_id"})
		return
	}
	c.Set("table_id", tableID)
	c.Next()
}

func tableIDFrom(c *gin.Context) tablestore.TableID {
	value, _ := c.Get("table_id")
	tableID, _ := value.(tablestore.TableID)
	return tableID
}

func (h *httpHandler) handleLoadRecords(c *gin.Context) {
	opts, err := parseLoadOptions(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tableID := tableIDFrom(c)
	result, err := h.tables.LoadTableRecords(c.Request.Context(), tableID, opts)
	h.respondLoad(c, tableID, result, err)
}

func (h *httpHandler) handleWindow(c *gin.Context) {
	tableID := tableIDFrom(c)
	window, _ := h.tables.Window(tableID)
	state, _ := h.tables.FetchState(tableID)
	c.JSON(http.StatusOK, tableResponse{Items: window.Items, Total: window.Total, State: state, FromCache: true})
}

func (h *httpHandler) handleClearWindow(c *gin.Context) {
	h.tables.ClearWindow(tableIDFrom(c))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetRecord(c *gin.Context) {
	tableID := tableIDFrom(c)
	recordID := c.Param("recordId")
	if remote, _ := strconv.ParseBool(c.Query("remote")); remote {
		record, err := h.tables.GetRecord(c.Request.Context(), tableID, recordID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, record)
		return
	}
	record, lookup := h.tables.Record(tableID, recordID)
	if lookup == tablestore.NotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleCountRecords(c *gin.Context) {
	count, err := h.tables.CountRecords(c.Request.Context(), tableIDFrom(c), parseFilters(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": count})
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	var record records.Record
	if err := c.ShouldBindJSON(&record); err != nil || len(record) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.tables.CreateRecord(c.Request.Context(), tableIDFrom(c), record)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *httpHandler) handleUpdateRecord(c *gin.Context) {
	var changes records.Record
	if err := c.ShouldBindJSON(&changes); err != nil || len(changes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.tables.UpdateRecord(c.Request.Context(), tableIDFrom(c), c.Param("recordId"), changes)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

type deleteRequestPayload struct {
	IDs []string `json:"ids"`
}

func (h *httpHandler) handleDeleteRecords(c *gin.Context) {
	var request deleteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || len(request.IDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	removed, err := h.tables.DeleteRecords(c.Request.Context(), tableIDFrom(c), request.IDs)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

type pageRequestPayload struct {
	Page *int `json:"page"`
}

func (h *httpHandler) handleLoadPage(c *gin.Context) {
	var request pageRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Page == nil || *request.Page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tableID := tableIDFrom(c)
	result, err := h.tables.LoadPage(c.Request.Context(), tableID, *request.Page)
	h.respondLoad(c, tableID, result, err)
}

func (h *httpHandler) handleReloadPage(c *gin.Context) {
	tableID := tableIDFrom(c)
	var request pageRequestPayload
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}
	page := 0
	if request.Page != nil {
		page = max(*request.Page, 0)
	} else if state, ok := h.tables.FetchState(tableID); ok {
		page = state.CurrentPage
	}
	result, err := h.tables.ReloadPage(c.Request.Context(), tableID, page)
	h.respondLoad(c, tableID, result, err)
}

type searchRequestPayload struct {
	Query string `json:"query"`
}

func (h *httpHandler) handleSearch(c *gin.Context) {
	var request searchRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	tableID := tableIDFrom(c)
	result, err := h.tables.SearchRecords(c.Request.Context(), tableID, request.Query)
	h.respondLoad(c, tableID, result, err)
}

func (h *httpHandler) handleRealtimeBatch(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	var batch tablestore.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	summary := h.tables.ApplyRealtimeBatch(c.Request.Context(), tableIDFrom(c), batch)
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleRealtimeAck(c *gin.Context) {
	tableID := tableIDFrom(c)
	h.tables.ClearRealtimeFlags(tableID)
	state, _ := h.tables.FetchState(tableID)
	c.JSON(http.StatusOK, state)
}

func (h *httpHandler) handleStream(c *gin.Context) {
	tableID := tableIDFrom(c)
	ctx := c.Request.Context()
	events, cleanup := h.realtime.Subscribe(ctx, int64(tableID))
	defer cleanup()

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.SSEvent(realtime.EventHeartbeat, gin.H{"timestamp": time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent(realtime.EventTableChanged, event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtime.EventHeartbeat, gin.H{"timestamp": tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) handleListUsers(c *gin.Context) {
	containerID := c.Param("containerId")
	users, err := h.tables.PreloadUsers(c.Request.Context(), containerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"users": users, "state": h.tables.UserCacheState()})
}

func (h *httpHandler) handleGetUser(c *gin.Context) {
	containerID := c.Param("containerId")
	if _, err := h.tables.PreloadUsers(c.Request.Context(), containerID); err != nil {
		h.respondError(c, err)
		return
	}
	user, ok := h.tables.User(containerID, c.Param("entityId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *httpHandler) handleDeleteUser(c *gin.Context) {
	if err := h.tables.DeleteUser(c.Request.Context(), c.Param("containerId"), c.Param("entityId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListBuckets(c *gin.Context) {
	containerID := c.Param("containerId")
	buckets, err := h.tables.PreloadBuckets(c.Request.Context(), containerID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets, "state": h.tables.BucketCacheState()})
}

func (h *httpHandler) handleGetBucket(c *gin.Context) {
	containerID := c.Param("containerId")
	if _, err := h.tables.PreloadBuckets(c.Request.Context(), containerID); err != nil {
		h.respondError(c, err)
		return
	}
	bucket, ok := h.tables.Bucket(containerID, c.Param("entityId"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.JSON(http.StatusOK, bucket)
}

func (h *httpHandler) handleDeleteBucket(c *gin.Context) {
	if err := h.tables.DeleteBucket(c.Request.Context(), c.Param("containerId"), c.Param("entityId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondLoad(c *gin.Context, tableID tablestore.TableID, result tables.LoadResult, err error) {
	state, _ := h.tables.FetchState(tableID)
	if err != nil {
		if status, code := classifyError(err); status != http.StatusBadGateway {
			c.JSON(status, gin.H{"error": code, "items": []records.Record{}})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "load_failed",
			"items": []records.Record{},
			"state": state,
		})
		return
	}
	items := result.Window.Items
	if items == nil {
		items = []records.Record{}
	}
	c.JSON(http.StatusOK, tableResponse{
		Items:     items,
		Total:     result.Window.Total,
		State:     state,
		Skipped:   result.Skipped,
		FromCache: result.FromCache,
	})
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

// classifyError maps a service failure to an HTTP status using the reason suffix of
// its code.
func classifyError(err error) (int, string) {
	if errors.Is(err, tables.ErrNotFound) {
		return http.StatusNotFound, "not_found"
	}
	var serviceErr *tables.ServiceError
	if !errors.As(err, &serviceErr) {
		return http.StatusBadGateway, "upstream_failed"
	}
	code := serviceErr.Code()
	reason := code[strings.LastIndex(code, ".")+1:]
	switch {
	case reason == "not_loaded":
		return http.StatusConflict, reason
	case reason == "resolve_metadata_failed" && errors.Is(err, tables.ErrUnknownTable):
		return http.StatusNotFound, "unknown_table"
	case strings.HasPrefix(reason, "missing_") || reason == "empty_record":
		return http.StatusBadRequest, reason
	default:
		return http.StatusBadGateway, "upstream_failed"
	}
}

func parseLoadOptions(c *gin.Context) (tables.LoadOptions, error) {
	opts := tables.LoadOptions{
		SearchQuery: c.Query("search"),
		Order:       c.Query("order"),
		Filters:     parseFilters(c),
	}
	var err error
	if raw := c.Query("page"); raw != "" {
		if opts.Page, err = strconv.Atoi(raw); err != nil || opts.Page < 0 {
			return tables.LoadOptions{}, errors.New("invalid page")
		}
	}
	if raw := c.Query("limit"); raw != "" {
		if opts.Limit, err = strconv.Atoi(raw); err != nil || opts.Limit < 0 {
			return tables.LoadOptions{}, errors.New("invalid limit")
		}
	}
	if raw := c.Query("append"); raw != "" {
		if opts.Append, err = strconv.ParseBool(raw); err != nil {
			return tables.LoadOptions{}, err
		}
	}
	if raw := c.Query("force"); raw != "" {
		if opts.ForceReload, err = strconv.ParseBool(raw); err != nil {
			return tables.LoadOptions{}, err
		}
	}
	return opts, nil
}

func parseFilters(c *gin.Context) map[string]string {
	var filters map[string]string
	for key, values := range c.Request.URL.Query() {
		if !strings.HasPrefix(key, filterQueryPrefix) || len(values) == 0 {
			continue
		}
		field := strings.TrimPrefix(key, filterQueryPrefix)
		if field == "" {
			continue
		}
		if filters == nil {
			filters = make(map[string]string)
		}
		filters[field] = values[0]
	}
	return filters
}
