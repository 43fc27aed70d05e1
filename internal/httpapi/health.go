package httpapi

import (
	"net/http"
	"time"
)

// dependencyStatus mirrors the teacher's grpc health service's
// DependencyStatus shape (exec/health.go), translated to JSON over HTTP
// instead of a generated protobuf message.
type dependencyStatus struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_serving", "message": "database connection failed",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "serving", "message": "service is healthy",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	dbHealthy := s.repo.Ping() == nil
	dep := dependencyStatus{Name: "database", Type: "database", Healthy: dbHealthy}
	if dbHealthy {
		dep.Message = "database connection is healthy"
	} else {
		dep.Message = "database connection failed"
	}

	status := http.StatusOK
	if !dbHealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":        dbHealthy,
		"dependencies": []dependencyStatus{dep},
	})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"alive": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"database":       s.repo.GetStats(),
	})
}
