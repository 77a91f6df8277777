package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"feed-media/internal/auth"
	"feed-media/internal/domain"
	"feed-media/internal/service"
	"feed-media/internal/uploader"
)

const identityKey = "identity"

type Config struct {
	// MaxMemory bounds the multipart bytes held in memory; the rest spills to temp files.
	MaxMemory int64
	// BatchMax sizes the one-shot batch of an upload that names no batch.
	BatchMax int
	Logger   *logrus.Logger
}

// Handler wires HTTP routes to the upload engine.
type Handler struct {
	manager  uploader.Manager
	batches  *uploader.Registry
	uploads  service.UploadService
	verifier *auth.Verifier
	adminKey *auth.AdminKey
	gatherer prometheus.Gatherer
	cfg      Config
}

func NewHandler(manager uploader.Manager, batches *uploader.Registry, uploads service.UploadService, verifier *auth.Verifier, adminKey *auth.AdminKey, gatherer prometheus.Gatherer, cfg Config) *Handler {
	if cfg.MaxMemory <= 0 {
		cfg.MaxMemory = 32 << 20
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Handler{
		manager:  manager,
		batches:  batches,
		uploads:  uploads,
		verifier: verifier,
		adminKey: adminKey,
		gatherer: gatherer,
		cfg:      cfg,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	// fallback file ids are URLs and arrive path-escaped
	router.UseRawPath = true
	router.UnescapePathValues = true
	router.Use(corsMiddleware())

	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
		api.GET("/admin/orphans", h.requireAdmin(), h.listOrphans)

		authed := api.Group("", h.requireIdentity())
		authed.POST("/batches", h.createBatch)
		authed.GET("/batches/:id", h.getBatch)
		authed.DELETE("/batches/:id", h.deleteBatch)
		authed.DELETE("/batches/:id/slots", h.releaseSlots)
		authed.POST("/uploads", h.upload)
		authed.GET("/uploads", h.listUploads)
		authed.GET("/uploads/tasks", h.listTasks)
		authed.GET("/uploads/events", h.streamEvents)
		authed.GET("/files/:fileId/url", h.resolveURL)
		authed.DELETE("/media", h.discard)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Admin-Key")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (h *Handler) requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := auth.BearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		id, err := h.verifier.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set(identityKey, id)
		c.Next()
	}
}

func (h *Handler) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.adminKey.Matches(c.GetHeader("X-Admin-Key")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin key required"})
			return
		}
		c.Next()
	}
}

func identityFrom(c *gin.Context) auth.Identity {
	return c.MustGet(identityKey).(auth.Identity)
}

type createBatchRequest struct {
	Max      int `json:"max" binding:"required,min=1"`
	Occupied int `json:"occupied" binding:"min=0"`
}

func (h *Handler) createBatch(c *gin.Context) {
	var req createBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := h.batches.Create(identityFrom(c).UserID(), req.Max, req.Occupied)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, batchToResponse(batch))
}

func (h *Handler) getBatch(c *gin.Context) {
	uid := identityFrom(c).UserID()
	batch, err := h.batches.Get(c.Param("id"), uid)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := batchToResponse(batch)
	if h.uploads != nil {
		records, err := h.uploads.ListByBatch(c.Request.Context(), uid, batch.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp.Uploads = recordsToResponse(records)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) releaseSlots(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "1"))
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid slot count"})
		return
	}
	batch, err := h.batches.Get(c.Param("id"), identityFrom(c).UserID())
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	batch.Release(n)
	c.JSON(http.StatusOK, batchToResponse(batch))
}

func (h *Handler) deleteBatch(c *gin.Context) {
	if err := h.batches.Delete(c.Param("id"), identityFrom(c).UserID()); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) listTasks(c *gin.Context) {
	tasks := h.manager.Tasks(identityFrom(c).UserID())
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) listUploads(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusOK, []UploadRecordResponse{})
		return
	}
	records, err := h.uploads.ListByUser(c.Request.Context(), identityFrom(c).UserID())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recordsToResponse(records))
}

func (h *Handler) listOrphans(c *gin.Context) {
	if h.uploads == nil {
		c.JSON(http.StatusOK, []UploadRecordResponse{})
		return
	}
	records, err := h.uploads.ListOrphans(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, recordsToResponse(records))
}

func (h *Handler) streamEvents(c *gin.Context) {
	ctx := c.Request.Context()
	events := h.manager.Subscribe(ctx, identityFrom(c).UserID())

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.SSEvent("task", ev)
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *Handler) resolveURL(c *gin.Context) {
	fileID := c.Param("fileId")
	if fileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId is required"})
		return
	}

	url, err := h.manager.ResolveURL(c.Request.Context(), identityFrom(c), fileID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error(), "kind": domain.ErrorKind(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"fileId": fileID, "url": url})
}

func (h *Handler) discard(c *gin.Context) {
	fileID := c.Query("fileId")
	if fileID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileId is required"})
		return
	}

	var batch *uploader.Batch
	if batchID := c.Query("batchId"); batchID != "" {
		b, err := h.batches.Get(batchID, identityFrom(c).UserID())
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		batch = b
	}

	res, err := h.manager.Discard(c.Request.Context(), identityFrom(c), fileID, batch)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"discarded": fileID, "deleted": res.Deleted, "released": res.Released}
	if res.Warning != "" {
		resp["warnings"] = []string{res.Warning}
	}
	c.JSON(http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrFileNotFound), errors.Is(err, uploader.ErrBatchNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrResolutionFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
