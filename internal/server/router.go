package server

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/aspect-build/trustgraph/internal/server/db"
	"github.com/aspect-build/trustgraph/internal/server/handler"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(store *db.Store, cfg *Config) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/", func(c *gin.Context) {
		c.String(200, "ok")
	})

	validate := func(raw []byte) error {
		var req TaskRequest
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			return fmt.Errorf("parse task request: %w", err)
		}
		return req.Validate()
	}

	v1 := r.Group("/v1")
	{
		create := v1.Group("")
		if cfg.AdminToken != "" {
			create.Use(SubmitAuth(cfg.AdminToken))
		}
		create.POST("/tasks", handler.HandleCreateTask(store, validate))

		v1.GET("/tasks", handler.HandleListTasks(store))
		v1.GET("/tasks/:id", handler.HandleGetTask(store))
	}

	return r
}
