package handler

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"streamvault/internal/logging"
	"streamvault/internal/models"
	"streamvault/internal/service"
)

const maxImportBytes = 32 << 20

// HistoryLister reads recent sync attempts
type HistoryLister interface {
	Recent(limit int) ([]models.SyncAttempt, error)
}

// ScheduleReporter lists upcoming scheduled runs
type ScheduleReporter interface {
	NextRuns() []time.Time
}

// Dependencies are the services behind the HTTP API. History, Remote and
// Schedule may be nil.
type Dependencies struct {
	Store    *service.RecordStore
	Sync     *service.SyncService
	Online   *service.OnlineFlag
	Backup   *service.BackupService
	History  HistoryLister
	Remote   *service.RemoteSettings
	Schedule ScheduleReporter
	APIToken string
}

// HTTPHandler handles HTTP requests for the web interface
type HTTPHandler struct {
	store     *service.RecordStore
	sync      *service.SyncService
	online    *service.OnlineFlag
	backupSvc *service.BackupService
	history   HistoryLister
	remote    *service.RemoteSettings
	schedule  ScheduleReporter
	apiToken  string
}

// NewHTTPHandler creates a new HTTPHandler
func NewHTTPHandler(deps Dependencies) *HTTPHandler {
	return &HTTPHandler{
		store:     deps.Store,
		sync:      deps.Sync,
		online:    deps.Online,
		backupSvc: deps.Backup,
		history:   deps.History,
		remote:    deps.Remote,
		schedule:  deps.Schedule,
		apiToken:  strings.TrimSpace(deps.APIToken),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *HTTPHandler) RegisterRoutes(r *gin.Engine) {
	// Health check must stay reachable without a token
	r.GET("/api/health", h.Health)

	api := r.Group("/api")
	api.Use(h.authMiddleware)

	// Records
	api.GET("/records", h.ListRecords)
	api.GET("/records/:id", h.GetRecord)
	api.POST("/records", h.AddRecord)
	api.POST("/records/batch", h.AddRecords)
	api.PATCH("/records/:id", h.UpdateRecord)
	api.DELETE("/records/:id", h.RemoveRecord)
	api.DELETE("/records", h.ClearRecords)
	api.GET("/tags", h.ListTags)

	// Import / export
	api.GET("/export", h.Export)
	api.POST("/import", h.Import)

	// Sync
	api.GET("/sync/status", h.SyncStatus)
	api.GET("/sync/history", h.SyncHistory)
	api.POST("/sync/pull", h.Pull)
	api.POST("/sync/push", h.Push)
	api.GET("/sync/events", h.SyncEvents)
	api.GET("/sync/remote", h.GetRemote)
	api.PUT("/sync/remote", h.SetRemote)
	api.POST("/sync/remote/test", h.TestRemote)
	api.PUT("/connectivity", h.SetConnectivity)

	// Companion endpoints, so one instance can serve as another's remote
	api.GET("/streams", h.GetStreams)
	api.POST("/streams", h.PutStreams)

	// Backups
	api.POST("/backup", h.Backup)
}

// ListRecords returns all records, optionally filtered by ?tags=a,b
func (h *HTTPHandler) ListRecords(c *gin.Context) {
	var selected []string
	for _, raw := range c.QueryArray("tags") {
		for _, tag := range strings.Split(raw, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				selected = append(selected, tag)
			}
		}
	}

	records := h.store.FilterByCategory(selected)
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// GetRecord returns one record
func (h *HTTPHandler) GetRecord(c *gin.Context) {
	rec, ok := h.store.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// AddRecord adds one record
func (h *HTTPHandler) AddRecord(c *gin.Context) {
	var req models.PartialStreamRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.store.Add(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"record": rec})
}

// AddRecords adds a batch of records with a single write
func (h *HTTPHandler) AddRecords(c *gin.Context) {
	var req []models.PartialStreamRecord
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	records, err := h.store.AddMany(req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": records, "count": len(records)})
}

// UpdateRecord patches a record
func (h *HTTPHandler) UpdateRecord(c *gin.Context) {
	var patch models.PartialStreamRecord
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.store.Update(c.Param("id"), patch)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"record": rec})
}

// RemoveRecord deletes a record
func (h *HTTPHandler) RemoveRecord(c *gin.Context) {
	removed, err := h.store.Remove(c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// ClearRecords deletes every record
func (h *HTTPHandler) ClearRecords(c *gin.Context) {
	if err := h.store.Clear(); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "cleared"})
}

// ListTags returns the tags and categories in use
func (h *HTTPHandler) ListTags(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tags": h.store.Tags()})
}

// Export downloads the collection as a JSON file
func (h *HTTPHandler) Export(c *gin.Context) {
	data, err := h.store.ExportSnapshot()
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="streamvault-export.json"`)
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

// Import appends the records of an uploaded export file
func (h *HTTPHandler) Import(c *gin.Context) {
	body := c.Request.Body
	if file, err := c.FormFile("file"); err == nil {
		f, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		defer f.Close()
		body = f
	}

	data, err := io.ReadAll(io.LimitReader(body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	n, err := h.store.ImportSnapshot(data)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": n})
}

// SyncStatus returns the sync worker state
func (h *HTTPHandler) SyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.Status())
}

// SyncHistory returns recent sync attempts
func (h *HTTPHandler) SyncHistory(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusOK, gin.H{"attempts": []models.SyncAttempt{}})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	attempts, err := h.history.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if attempts == nil {
		attempts = []models.SyncAttempt{}
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts})
}

// Pull replaces the local collection with the remote one
func (h *HTTPHandler) Pull(c *gin.Context) {
	records, err := h.sync.Pull(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "status": h.sync.Status()})
}

// Push sends the local collection to the remote
func (h *HTTPHandler) Push(c *gin.Context) {
	if err := h.sync.PushCurrent(c.Request.Context()); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": h.sync.Status()})
}

// SetConnectivity lets the shell report network changes
func (h *HTTPHandler) SetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	was := h.online.SetOnline(*req.Online)
	if *req.Online && !was {
		logging.Logger.Info("Back online, resuming sync")
		h.sync.Resume()
	}
	c.JSON(http.StatusOK, h.sync.Status())
}

// GetRemote returns the companion server address
func (h *HTTPHandler) GetRemote(c *gin.Context) {
	if h.remote == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "remote settings not available"})
		return
	}
	c.JSON(http.StatusOK, h.remote.Address())
}

// SetRemote saves a new companion server address; an empty url restores the
// configured default. Pending changes are pushed to the new address.
func (h *HTTPHandler) SetRemote(c *gin.Context) {
	if h.remote == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "remote settings not available"})
		return
	}
	var req struct {
		URL *string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	addr, err := h.remote.SetURL(*req.URL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.sync.Resume()
	c.JSON(http.StatusOK, addr)
}

// TestRemote checks whether a server address answers, without saving it
func (h *HTTPHandler) TestRemote(c *gin.Context) {
	if h.remote == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "remote settings not available"})
		return
	}
	var req struct {
		URL string `json:"url"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	if err := h.remote.Test(c.Request.Context(), req.URL); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reachable": true})
}

// GetStreams serves the collection to a peer instance
func (h *HTTPHandler) GetStreams(c *gin.Context) {
	c.JSON(http.StatusOK, h.store.Records())
}

// PutStreams accepts a pushed collection from a peer instance
func (h *HTTPHandler) PutStreams(c *gin.Context) {
	var records []models.StreamRecord
	if err := c.ShouldBindJSON(&records); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if records == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected a JSON array"})
		return
	}

	if err := h.store.Replace(records); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records)})
}

// Backup writes a backup file
func (h *HTTPHandler) Backup(c *gin.Context) {
	backupPath, err := h.backupSvc.Backup()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backup_path": backupPath})
}

// Health returns health status
func (h *HTTPHandler) Health(c *gin.Context) {
	resp := gin.H{"status": "ok", "records": h.store.Len()}

	if h.backupSvc != nil {
		last, err := h.backupSvc.GetLastBackupTime()
		if err != nil {
			logging.WithError(err).Warn("Failed to read last backup time")
		} else if !last.IsZero() {
			resp["last_backup"] = last
		}
	}
	if h.schedule != nil {
		resp["next_runs"] = h.schedule.NextRuns()
	}

	c.JSON(http.StatusOK, resp)
}

// authMiddleware enforces Bearer token authentication when a token is configured.
func (h *HTTPHandler) authMiddleware(c *gin.Context) {
	expected := h.apiToken
	if expected == "" {
		c.Next()
		return
	}

	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		// Browsers can't set headers on websocket upgrades
		if token := c.Query("token"); token != "" && c.IsWebsocket() {
			parts = []string{"Bearer", token}
		} else {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid Authorization header"})
			c.Abort()
			return
		}
	}

	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), []byte(expected)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		c.Abort()
		return
	}

	c.Next()
}

// writeError maps service errors to status codes
func (h *HTTPHandler) writeError(c *gin.Context, err error) {
	var parseErr *service.ParseError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &parseErr), errors.Is(err, service.ErrInvalidRecord), errors.Is(err, service.ErrInvalidSetting):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrStaleResult):
		status = http.StatusConflict
	case errors.Is(err, service.ErrRemoteUnavailable):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logging.WithError(err).WithField("path", c.Request.URL.Path).Error("Request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
