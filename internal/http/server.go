package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hherb/bmlibrarian-orchestrator/internal/log"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/models"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/service"
	"github.com/hherb/bmlibrarian-orchestrator/pkg/storage"
)

// NewHandler builds the HTTP surface over the queue manager: health, stats,
// task submission/lookup and prometheus metrics. Task JSON carries ISO-8601
// timestamps via time.Time marshaling.
func NewHandler(qm *service.QueueManager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/stats", statsHandler(qm))
	mux.HandleFunc("/tasks", tasksHandler(qm))
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// StartServer blocks serving the orchestrator API on the given port.
func StartServer(port string, qm *service.QueueManager) error {
	log.GetLogger().Infof("Starting bmlibrarian orchestrator server on :%s", port)
	return http.ListenAndServe(":"+port, NewHandler(qm))
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintf(w, "bmlibrarian orchestrator is running")
}

func statsHandler(qm *service.QueueManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		counts, err := qm.Stats(r.URL.Query().Get("agent"))
		if err != nil {
			log.GetLogger().Errorf("Failed to compute stats: %v", err)
			http.Error(w, fmt.Sprintf("Failed to compute stats: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, counts)
	}
}

type enqueueRequest struct {
	TargetAgent string              `json:"target_agent"`
	Operation   string              `json:"operation"`
	Parameters  models.Params       `json:"parameters"`
	Priority    models.TaskPriority `json:"priority"`
	SourceAgent string              `json:"source_agent"`
	MaxRetries  *int                `json:"max_retries"`
}

func tasksHandler(qm *service.QueueManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			enqueueTaskHTTP(w, r, qm)
		case http.MethodGet:
			getTaskHTTP(w, r, qm)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}
}

func enqueueTaskHTTP(w http.ResponseWriter, r *http.Request, qm *service.QueueManager) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	opts := []models.TaskOption{}
	if req.Priority != 0 {
		opts = append(opts, models.WithPriority(req.Priority))
	}
	if req.SourceAgent != "" {
		opts = append(opts, models.WithSourceAgent(req.SourceAgent))
	}
	if req.MaxRetries != nil {
		opts = append(opts, models.WithMaxRetries(*req.MaxRetries))
	}
	id, err := qm.Enqueue(req.TargetAgent, req.Operation, req.Parameters, opts...)
	if err != nil {
		log.GetLogger().Errorf("Failed to enqueue task: %v", err)
		http.Error(w, fmt.Sprintf("Failed to enqueue task: %v", err), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func getTaskHTTP(w http.ResponseWriter, r *http.Request, qm *service.QueueManager) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Missing 'id' parameter", http.StatusBadRequest)
		return
	}
	task, err := qm.Get(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "Task not found", http.StatusNotFound)
			return
		}
		log.GetLogger().Errorf("Failed to fetch task %s: %v", id, err)
		http.Error(w, fmt.Sprintf("Failed to fetch task: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}
