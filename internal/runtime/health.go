package runtime

import (
	"net/http"

	"github.com/drblury/courier/internal/runtime/jsoncodec"
)

type healthReport struct {
	Endpoint        string `json:"endpoint"`
	Status          string `json:"status"`
	Transport       string `json:"transport"`
	PendingRequests int    `json:"pending_requests"`
}

func (s *Service) healthReport() healthReport {
	return healthReport{
		Endpoint:        s.identity.String(),
		Status:          s.transport.Status().String(),
		Transport:       s.Conf.PubSubSystem,
		PendingRequests: s.requests.Pending(),
	}
}

// handleReadiness answers 200 while the transport is running and 503
// otherwise.
func (s *Service) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	if !s.Ready() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, s.healthReport())
}

// handleLiveness answers 200 for as long as the process serves HTTP.
func (s *Service) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.healthReport())
}

func (s *Service) handleGetHandlers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, s.HandlerInfos())
}

func (s *Service) writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := jsoncodec.Marshal(v)
	if err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}
