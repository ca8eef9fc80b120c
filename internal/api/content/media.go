package content

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/storage"
)

// MaxUploadSize bounds a single media upload.
const MaxUploadSize = 100 << 20

// @Summary      Upload media
// @Description  Stores an image or video and returns the ref to use in media_refs or media_urls.
// @Tags         Media
// @Security     Bearer
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "Image or video (max 100MB)"
// @Success      201  {object}  storage.UploadResult
// @Failure      400  {object}  map[string]interface{}  "Missing file"
// @Failure      413  {object}  map[string]interface{}  "File too large"
// @Failure      415  {object}  map[string]interface{}  "Unsupported media type"
// @Failure      503  {object}  map[string]interface{}  "No media store configured"
// @Router       /api/v1/media [post]
func (h *Handlers) UploadMedia() gin.HandlerFunc {
	return func(c *gin.Context) {
		owner, ok := requireOwner(c)
		if !ok {
			return
		}
		if h.media == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No media store is configured"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+1<<20)
		file, header, err := c.Request.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing or invalid file upload"})
			return
		}
		defer file.Close()

		if header.Size > h.maxUpload {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "File too large"})
			return
		}

		buf := &bytes.Buffer{}
		size, err := io.Copy(buf, file)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read uploaded file"})
			return
		}

		// Sniff rather than trust the client's part header.
		contentType := http.DetectContentType(buf.Bytes())
		if declared := header.Header.Get("Content-Type"); contentType == "application/octet-stream" && declared != "" {
			// DetectContentType does not know QuickTime.
			contentType = declared
		}
		key, err := storage.ObjectKey(owner, contentType)
		if err != nil {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
			return
		}

		result, err := h.media.Upload(c.Request.Context(), key, bytes.NewReader(buf.Bytes()), size, contentType)
		if err != nil {
			slog.Error("failed to store media", "owner_id", owner, "ref", key, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store media"})
			return
		}
		if result.ContentType == "" {
			result.ContentType = contentType
		}
		c.JSON(http.StatusCreated, result)
	}
}
