package content

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relaypost/relaypost/internal/db/models"
	"github.com/relaypost/relaypost/internal/platform"
	"github.com/relaypost/relaypost/internal/storage"
)

// CreateTemplateRequest is the body of POST /api/v1/templates.
type CreateTemplateRequest struct {
	Title           string   `json:"title" binding:"required"`
	Body            string   `json:"body"`
	MediaRefs       []string `json:"media_refs"`
	TargetPlatforms []string `json:"target_platforms" binding:"required,min=1"`
	FollowupComment *string  `json:"followup_comment"`
}

// validate checks the template against every target platform's limits so a
// schedule over it cannot fail on content alone.
func (r *CreateTemplateRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return errors.New("title is required")
	}
	for _, ref := range r.MediaRefs {
		if storage.IsAbsoluteURL(ref) {
			continue
		}
		if err := storage.ValidateRef(ref); err != nil {
			return err
		}
	}

	content := platform.Content{Text: r.Body, MediaURLs: r.MediaRefs}
	if r.FollowupComment != nil {
		content.FollowupComment = *r.FollowupComment
	}
	for _, name := range r.TargetPlatforms {
		kind, err := platform.ParseKind(name)
		if err != nil {
			return err
		}
		spec, err := platform.Lookup(kind)
		if err != nil {
			return err
		}
		if err := spec.ValidateContent(content); err != nil {
			return err
		}
	}
	return nil
}

// @Summary      Create content template
// @Tags         Templates
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  CreateTemplateRequest  true  "Template"
// @Success      201  {object}  models.ContentTemplate
// @Failure      400  {object}  map[string]interface{}  "Invalid template"
// @Router       /api/v1/templates [post]
// CreateTemplate stores an immutable content template.
func (h *Handlers) CreateTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		var req CreateTemplateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Invalid request: %v", err)})
			return
		}
		if err := req.validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		refs := req.MediaRefs
		if refs == nil {
			refs = []string{}
		}
		t := &models.ContentTemplate{
			ID:              uuid.New(),
			OwnerID:         owner,
			Title:           strings.TrimSpace(req.Title),
			Body:            req.Body,
			MediaRefs:       pq.StringArray(refs),
			TargetPlatforms: pq.StringArray(req.TargetPlatforms),
			FollowupComment: req.FollowupComment,
			CreatedAt:       h.now(),
		}
		if err := h.templates.Create(c.Request.Context(), t); err != nil {
			slog.Error("failed to create template", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create template"})
			return
		}
		c.JSON(http.StatusCreated, t)
	}
}

// ListTemplates returns the owner's templates.
// GET /api/v1/templates
func (h *Handlers) ListTemplates() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		templates, err := h.templates.ListByOwner(c.Request.Context(), owner)
		if err != nil {
			slog.Error("failed to list templates", "owner_id", owner, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list templates"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"templates": templates})
	}
}

// GetTemplate returns one template.
// GET /api/v1/templates/:id
func (h *Handlers) GetTemplate() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		id, ok := pathID(c)
		if !ok {
			return
		}
		t, err := h.templates.GetForOwner(c.Request.Context(), owner, id)
		if err != nil {
			slog.Error("failed to get template", "template_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get template"})
			return
		}
		if t == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "Template not found"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
