package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aspect-build/trustgraph/internal/logx"
	"github.com/aspect-build/trustgraph/internal/server/db"
)

// Validator checks a raw task request body before it is queued.
type Validator func(raw []byte) error

// taskView is the API shape of a task: the stored request and result blobs
// are surfaced as raw JSON, not base64.
type taskView struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Request   json.RawMessage `json:"request"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Attempts  int             `json:"attempts"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func viewOf(t *db.Task) taskView {
	return taskView{
		ID:        t.ID,
		Status:    t.Status,
		Request:   json.RawMessage(t.Request),
		Result:    json.RawMessage(t.Result),
		Error:     t.Error,
		Attempts:  t.Attempts,
		CreatedAt: t.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt: t.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
}

// HandleCreateTask handles POST /v1/tasks.
func HandleCreateTask(store *db.Store, validate Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "read request body"})
			return
		}
		if err := validate(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		task := &db.Task{ID: uuid.NewString(), Request: raw}
		if err := store.CreateTask(task); err != nil {
			logx.Errorf("CreateTask: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"id": task.ID, "status": db.StatusPending})
	}
}

// HandleGetTask handles GET /v1/tasks/:id.
func HandleGetTask(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		task, err := store.GetTask(id)
		if err != nil {
			logx.Errorf("GetTask(%q): %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to retrieve task"})
			return
		}
		if task == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusOK, viewOf(task))
	}
}

// HandleListTasks handles GET /v1/tasks.
func HandleListTasks(store *db.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		tasks, err := store.ListTasks()
		if err != nil {
			logx.Errorf("ListTasks: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list tasks"})
			return
		}
		views := make([]taskView, 0, len(tasks))
		for i := range tasks {
			views = append(views, viewOf(&tasks[i]))
		}
		c.JSON(http.StatusOK, gin.H{"tasks": views})
	}
}
