package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"vigil/internal/metrics"
	"vigil/internal/models"
)

// IngestHandler accepts sensor readings over HTTP and feeds them into
// the same pipeline the stream source uses. Local-injection and replay
// path; production traffic arrives via the stream.
type IngestHandler struct {
	recordChan  chan<- models.RawRecord
	maxBodySize int64
}

// IngestConfig holds configuration for the ingest handler.
type IngestConfig struct {
	RecordChan  chan<- models.RawRecord
	MaxBodySize int64
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(cfg IngestConfig) *IngestHandler {
	maxBodySize := cfg.MaxBodySize
	if maxBodySize == 0 {
		maxBodySize = 10 * 1024 * 1024 // 10MB default
	}
	return &IngestHandler{
		recordChan:  cfg.RecordChan,
		maxBodySize: maxBodySize,
	}
}

// IngestResponse is the response returned to clients.
type IngestResponse struct {
	Success  bool          `json:"success"`
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []IngestError `json:"errors,omitempty"`
}

// IngestError describes a rejection for a specific reading.
type IngestError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// ServeHTTP handles the ingest HTTP request.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "application/json" && contentType != "" {
		h.writeError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	payloads, err := parseBody(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(payloads) == 0 {
		h.writeError(w, http.StatusBadRequest, "no readings provided")
		return
	}

	response := h.enqueue(payloads)

	w.Header().Set("Content-Type", "application/json")
	if response.Rejected > 0 && response.Accepted == 0 {
		w.WriteHeader(http.StatusBadRequest)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(response)
}

// parseBody accepts either a single reading object or an array.
func parseBody(body []byte) ([]json.RawMessage, error) {
	var many []json.RawMessage
	if err := json.Unmarshal(body, &many); err == nil {
		return many, nil
	}

	var one map[string]json.RawMessage
	if err := json.Unmarshal(body, &one); err == nil && len(one) > 0 {
		return []json.RawMessage{json.RawMessage(body)}, nil
	}

	return nil, fmt.Errorf("invalid JSON format: expected reading object or array of readings")
}

// enqueue validates each payload and pushes the accepted ones onto the
// pipeline channel. Tokens are synthesized per reading; replaying the
// same HTTP request therefore produces new logical records, unlike
// stream redelivery.
func (h *IngestHandler) enqueue(payloads []json.RawMessage) IngestResponse {
	response := IngestResponse{Success: true}

	for i, payload := range payloads {
		token := "http:" + uuid.NewString()

		if _, err := models.DecodeReading(payload, token); err != nil {
			response.Errors = append(response.Errors, IngestError{Index: i, Error: err.Error()})
			response.Rejected++
			metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()
			continue
		}

		record := models.RawRecord{Data: payload, SeqToken: token}

		// Non-blocking send so a stalled pipeline rejects instead of hanging
		select {
		case h.recordChan <- record:
			response.Accepted++
			metrics.IngestReadingsTotal.WithLabelValues("accepted").Inc()
		default:
			response.Errors = append(response.Errors, IngestError{
				Index: i,
				Error: "internal queue full, try again later",
			})
			response.Rejected++
			metrics.IngestReadingsTotal.WithLabelValues("rejected").Inc()
		}
	}

	response.Success = response.Rejected == 0
	return response
}

func (h *IngestHandler) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
