package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/switchboard-ai/switchboard/internal/protocol"
)

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   s.version,
	})
}

// listModelsHandler renders the configured model table in the vendor's
// native listing shape.
func (s *Server) listModelsHandler(adapterName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		models := s.snapshot().models.All()
		now := time.Now().Unix()

		if adapterName == "anthropic" {
			type anthropicModel struct {
				Type        string `json:"type"`
				ID          string `json:"id"`
				DisplayName string `json:"display_name"`
				CreatedAt   string `json:"created_at"`
			}
			data := make([]anthropicModel, 0, len(models))
			for _, m := range models {
				display := m.Description
				if display == "" {
					display = m.Name
				}
				data = append(data, anthropicModel{
					Type:        "model",
					ID:          m.Name,
					DisplayName: display,
					CreatedAt:   time.Now().UTC().Format(time.RFC3339),
				})
			}
			c.JSON(http.StatusOK, gin.H{
				"data":     data,
				"has_more": false,
				"first_id": firstID(data, func(m anthropicModel) string { return m.ID }),
				"last_id":  lastID(data, func(m anthropicModel) string { return m.ID }),
			})
			return
		}

		data := make([]protocol.OpenAIModel, 0, len(models))
		for _, m := range models {
			data = append(data, protocol.OpenAIModel{
				ID:      m.Name,
				Object:  "model",
				Created: now,
				OwnedBy: "switchboard",
			})
		}
		c.JSON(http.StatusOK, protocol.OpenAIModelsResponse{Object: "list", Data: data})
	}
}

func firstID[T any](data []T, id func(T) string) string {
	if len(data) == 0 {
		return ""
	}
	return id(data[0])
}

func lastID[T any](data []T, id func(T) string) string {
	if len(data) == 0 {
		return ""
	}
	return id(data[len(data)-1])
}
