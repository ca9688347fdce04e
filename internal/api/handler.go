package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/liliang-cn/graphdoc/internal/domain"
	"github.com/liliang-cn/graphdoc/internal/engine"
	"github.com/liliang-cn/graphdoc/internal/service"
)

// Handler handles the REST API surface: knowledge bases, documents,
// jobs and non-streaming chat queries.
type Handler struct {
	registry  *service.Registry
	documents *service.DocumentService
	jobs      *service.JobManager
	sessions  *service.SessionStore
	gateway   *service.Gateway
	engine    engine.Client
}

// NewHandler creates the REST handler.
func NewHandler(
	registry *service.Registry,
	documents *service.DocumentService,
	jobs *service.JobManager,
	sessions *service.SessionStore,
	gateway *service.Gateway,
	engineClient engine.Client,
) *Handler {
	return &Handler{
		registry:  registry,
		documents: documents,
		jobs:      jobs,
		sessions:  sessions,
		gateway:   gateway,
		engine:    engineClient,
	}
}

// Health reports liveness plus the engine's reachability. An engine
// outage degrades chat and ingestion while the API itself stays up, so
// the two are reported separately.
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.engine.Health(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "engine": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "engine": "ok"})
}

// RegisterRoutes registers the REST routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	kbs := r.Group("/knowledge-bases")
	{
		kbs.POST("", h.CreateKnowledgeBase)
		kbs.GET("", h.ListKnowledgeBases)
		kbs.GET("/active", h.ActiveKnowledgeBase)
		kbs.POST("/import", h.ImportKnowledgeBase)
		kbs.GET("/:id", h.GetKnowledgeBase)
		kbs.PUT("/:id", h.UpdateKnowledgeBase)
		kbs.DELETE("/:id", h.DeleteKnowledgeBase)
		kbs.POST("/:id/activate", h.ActivateKnowledgeBase)
		kbs.GET("/:id/stats", h.KnowledgeBaseStats)
		kbs.GET("/:id/export", h.ExportKnowledgeBase)
	}

	documents := r.Group("/documents")
	{
		documents.POST("", h.UploadDocument)
		documents.GET("", h.ListDocuments)
		documents.GET("/:id", h.GetDocument)
		documents.DELETE("/:id", h.DeleteDocument)
	}

	jobs := r.Group("/jobs")
	{
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/cancel", h.CancelJob)
	}

	sessions := r.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("/:id/messages", h.SessionMessages)
		sessions.DELETE("/:id", h.DeleteSession)
	}

	r.POST("/chat/query", h.ChatQuery)
}

// respondError maps domain errors onto HTTP status codes with a stable
// machine-readable kind alongside the human-readable message.
func respondError(c *gin.Context, err error) {
	c.JSON(domain.HTTPStatus(err), gin.H{
		"error": err.Error(),
		"kind":  domain.Kind(err),
	})
}

// Knowledge base handlers

func (h *Handler) CreateKnowledgeBase(c *gin.Context) {
	var req domain.CreateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	kb, err := h.registry.Create(c.Request.Context(), req.Name, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, kb)
}

func (h *Handler) ListKnowledgeBases(c *gin.Context) {
	kbs, err := h.registry.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"knowledge_bases": kbs})
}

func (h *Handler) GetKnowledgeBase(c *gin.Context) {
	kb, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kb)
}

func (h *Handler) UpdateKnowledgeBase(c *gin.Context) {
	var req domain.UpdateKnowledgeBaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	kb, err := h.registry.Update(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kb)
}

func (h *Handler) DeleteKnowledgeBase(c *gin.Context) {
	if err := h.registry.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) ActivateKnowledgeBase(c *gin.Context) {
	if err := h.registry.Activate(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activated": true})
}

func (h *Handler) ActiveKnowledgeBase(c *gin.Context) {
	kb, err := h.registry.Active(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, kb)
}

func (h *Handler) KnowledgeBaseStats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) ExportKnowledgeBase(c *gin.Context) {
	id := c.Param("id")

	// Resolve before committing to a 200 and the attachment headers.
	kb, err := h.registry.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", kb.Name+".tar.gz"))
	if err := h.registry.Export(c.Request.Context(), id, c.Writer); err != nil {
		// Headers may already be on the wire; all we can do is drop the
		// connection so the client sees a truncated archive.
		c.Abort()
	}
}

func (h *Handler) ImportKnowledgeBase(c *gin.Context) {
	file, _, err := c.Request.FormFile("archive")
	if err != nil {
		respondError(c, fmt.Errorf("%w: archive file is required", domain.ErrValidation))
		return
	}
	defer file.Close()

	kb, err := h.registry.Import(c.Request.Context(), file)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, kb)
}

// Document handlers

func (h *Handler) UploadDocument(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondError(c, fmt.Errorf("%w: file is required", domain.ErrValidation))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		respondError(c, fmt.Errorf("failed to read upload: %w", err))
		return
	}

	resp, err := h.documents.Upload(c.Request.Context(), header.Filename, header.Header.Get("Content-Type"), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (h *Handler) ListDocuments(c *gin.Context) {
	docs, err := h.documents.List()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *Handler) GetDocument(c *gin.Context) {
	doc, err := h.documents.Get(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *Handler) DeleteDocument(c *gin.Context) {
	if err := h.documents.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Job handlers

func (h *Handler) GetJob(c *gin.Context) {
	job, err := h.jobs.Status(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *Handler) CancelJob(c *gin.Context) {
	if err := h.jobs.Cancel(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
}

// Session handlers

type createSessionRequest struct {
	ID string `json:"id,omitempty"`
}

func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
			return
		}
	}

	kb, err := h.registry.Active(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	session, err := h.sessions.Create(req.ID, kb.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handler) SessionMessages(c *gin.Context) {
	messages, err := h.sessions.Messages(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.sessions.Delete(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// Chat handlers

func (h *Handler) ChatQuery(c *gin.Context) {
	var req domain.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, fmt.Errorf("%w: %v", domain.ErrValidation, err))
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		kb, err := h.registry.Active(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		session, err := h.sessions.Create("", kb.ID)
		if err != nil {
			respondError(c, err)
			return
		}
		sessionID = session.ID
	}

	resp, err := h.gateway.Ask(c.Request.Context(), sessionID, req.Message, req.Mode)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
