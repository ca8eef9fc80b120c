package content

import (
	"errors"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/relaypost/relaypost/internal/storage"
)

// ServeMediaHandler streams stored media to the platforms that fetch it.
// It is only mounted for the local backend; cloud backends hand out signed
// URLs instead.
// GET /media/*filepath
func ServeMediaHandler(store storage.Storage) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref := strings.TrimPrefix(c.Param("filepath"), "/")
		if err := storage.ValidateRef(ref); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid media path"})
			return
		}

		reader, err := store.Download(c.Request.Context(), ref)
		if err != nil {
			if errors.Is(err, storage.ErrMediaNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "Media not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read media"})
			return
		}
		defer reader.Close()

		contentType := mime.TypeByExtension(path.Ext(ref))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Header("Cache-Control", "public, max-age=3600")
		c.DataFromReader(http.StatusOK, -1, contentType, reader, nil)
	}
}
