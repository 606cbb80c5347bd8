package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/filevault/filevault/internal/tasks"
)

type enqueueTaskRequest struct {
	URL    string `json:"url"`
	Folder string `json:"folder"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !strings.HasPrefix(req.URL, "http://") && !strings.HasPrefix(req.URL, "https://") {
		s.sendError(w, http.StatusBadRequest, "url must be http or https")
		return
	}

	task, err := s.queue.Enqueue(req.URL, req.Folder)
	if err != nil {
		s.sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	s.sendJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string][]tasks.Task{"tasks": s.queue.List()})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task := s.queue.Get(r.PathValue("id"))
	if task == nil {
		s.sendError(w, http.StatusNotFound, "task not found")
		return
	}
	s.sendJSON(w, http.StatusOK, task)
}
