package admin

import (
	"errors"
	"net/http"
	"strings"
)

// JobSummary is the administrative view of one agent-job-on-csv run.
type JobSummary struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Total        int    `json:"total"`
	Completed    int    `json:"completed"`
	Failed       int    `json:"failed"`
	Running      int    `json:"running"`
}

// Operations is the agent server's operational surface: thread
// housekeeping and agent-job visibility for an operator talking to the
// admin socket directly, bypassing the JSON-RPC front end.
type Operations interface {
	LoadedThreadIDs() []string
	ArchiveThread(id string) error
	ListJobs() []JobSummary
}

// RegisterOpsRoutes wires the agent server's /admin/threads and
// /admin/jobs routes onto s.
func RegisterOpsRoutes(s *Server, ops Operations) {
	or := &opsRoutes{ops: ops}
	s.Handle("/admin/threads", or.handleThreads)
	s.Handle("/admin/threads/", or.handleThreadActions)
	s.Handle("/admin/jobs", or.handleJobs)
}

type opsRoutes struct {
	ops Operations
}

func (or *opsRoutes) handleThreads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": or.ops.LoadedThreadIDs()})
}

func (or *opsRoutes) handleThreadActions(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/admin/threads/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[1] != "archive" {
		writeError(w, http.StatusNotFound, errors.New("not found"))
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	if err := or.ops.ArchiveThread(parts[0]); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": parts[0], "archived": true})
}

func (or *opsRoutes) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": or.ops.ListJobs()})
}
