package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"vigil/internal/handlers"
	"vigil/internal/logger"
	"vigil/internal/models"
)

func init() {
	logger.Init("error")
}

const validReading = `{"machine_id":"MCH001","timestamp":1718000000,"temperature":72.5,"vibration":1.2,"pressure":101.3}`

func post(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, handlers.IngestResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var resp handlers.IngestResponse
	json.Unmarshal(rr.Body.Bytes(), &resp)
	return rr, resp
}

func TestIngestSingleReading(t *testing.T) {
	ch := make(chan models.RawRecord, 10)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	rr, resp := post(t, h, validReading)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !resp.Success || resp.Accepted != 1 || resp.Rejected != 0 {
		t.Errorf("response = %+v, want 1 accepted", resp)
	}

	select {
	case rec := <-ch:
		if !strings.HasPrefix(rec.SeqToken, "http:") {
			t.Errorf("SeqToken = %q, want http-synthesized token", rec.SeqToken)
		}
		if string(rec.Data) != validReading {
			t.Errorf("Data = %s, want the original payload", rec.Data)
		}
	default:
		t.Fatal("no record reached the pipeline channel")
	}
}

func TestIngestArray(t *testing.T) {
	ch := make(chan models.RawRecord, 10)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	body := "[" + validReading + "," + validReading + "]"
	rr, resp := post(t, h, body)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if resp.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", resp.Accepted)
	}
	if len(ch) != 2 {
		t.Errorf("channel holds %d records, want 2", len(ch))
	}
}

func TestIngestRejectsInvalidReading(t *testing.T) {
	ch := make(chan models.RawRecord, 10)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	// Missing machine_id
	body := `{"timestamp":1718000000,"temperature":72.5,"vibration":1.2,"pressure":101.3}`
	rr, resp := post(t, h, body)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 when everything is rejected", rr.Code)
	}
	if resp.Rejected != 1 || resp.Accepted != 0 {
		t.Errorf("response = %+v, want 1 rejected", resp)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Index != 0 {
		t.Errorf("Errors = %+v, want one indexed error", resp.Errors)
	}
	if len(ch) != 0 {
		t.Error("rejected reading must not reach the pipeline")
	}
}

func TestIngestPartialAcceptance(t *testing.T) {
	ch := make(chan models.RawRecord, 10)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	body := "[" + validReading + `,{"machine_id":"MCH002"}]`
	rr, resp := post(t, h, body)

	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when some readings are accepted", rr.Code)
	}
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("response = %+v, want 1 accepted, 1 rejected", resp)
	}
	if resp.Success {
		t.Error("Success must be false when any reading is rejected")
	}
}

func TestIngestQueueFull(t *testing.T) {
	ch := make(chan models.RawRecord) // unbuffered, nothing draining
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	rr, resp := post(t, h, validReading)

	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
	if resp.Rejected != 1 {
		t.Errorf("response = %+v, want rejection instead of blocking", resp)
	}
}

func TestIngestMethodNotAllowed(t *testing.T) {
	ch := make(chan models.RawRecord, 1)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rr.Code)
	}
}

func TestIngestMalformedBody(t *testing.T) {
	ch := make(chan models.RawRecord, 1)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch})

	rr, _ := post(t, h, `not json at all`)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestIngestBodyTooLarge(t *testing.T) {
	ch := make(chan models.RawRecord, 1)
	h := handlers.NewIngestHandler(handlers.IngestConfig{RecordChan: ch, MaxBodySize: 64})

	rr, _ := post(t, h, "["+validReading+"]")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rr.Code)
	}
}
