package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/menta2k/photo-enricher/internal/store"
	"github.com/menta2k/photo-enricher/pkg/categories"
	"github.com/menta2k/photo-enricher/pkg/pipeline"
	"github.com/menta2k/photo-enricher/pkg/types"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeImages map[uint]*store.Image

func (f fakeImages) GetImage(_ context.Context, id uint) (*store.Image, error) {
	img, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return img, nil
}

type fakeAnalyzer struct {
	mu        sync.Mutex
	triggered []uint
	jobs      []pipeline.Job
	batchErr  error
}

func (f *fakeAnalyzer) Trigger(_ context.Context, id uint, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, id)
	return nil
}

func (f *fakeAnalyzer) AnalyzeBatch(_ context.Context, jobs []pipeline.Job) (pipeline.BatchReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobs...)
	report := pipeline.BatchReport{ID: "batch", Total: len(jobs)}
	for _, j := range jobs {
		report.Succeeded++
		report.Results = append(report.Results, pipeline.Outcome{ImageID: j.ImageID, Status: types.StatusCompleted})
	}
	return report, f.batchErr
}

func setup(t *testing.T) (http.Handler, *fakeAnalyzer, fakeImages) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(path, []byte{0xff, 0xd8, 0xff}, 0644); err != nil {
		t.Fatal(err)
	}
	images := fakeImages{
		1: {ID: 1, FilePath: path, AIProcessingStatus: types.StatusCompleted},
		2: {ID: 2, FilePath: filepath.Join(t.TempDir(), "gone.jpg")},
		3: {ID: 3, FilePath: path, AIProcessingStatus: types.StatusFailed, AIErrorMessage: "boom", NeedsManualMetadata: true},
	}
	analyzer := &fakeAnalyzer{}
	h := NewHandler(Deps{
		Analyzer:    analyzer,
		Images:      images,
		Version:     "test",
		CORSOrigins: []string{"http://localhost:5173"},
		Status: ServiceStatus{
			Enabled:    true,
			Backend:    "openrouter",
			Model:      "test/model",
			MaxRetries: 3,
			RetryDelay: time.Second,
			Timeout:    time.Minute,
		},
	})
	return h, analyzer, images
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") != "" && bytes.HasPrefix(rec.Body.Bytes(), []byte("{")) {
		if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
		}
	}
	return rec, out
}

func TestHealthCheck(t *testing.T) {
	h, _, _ := setup(t)
	rec, body := do(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != "available" || body["version"] != "test" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestAnalyzeImage(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		wantCode  int
		triggered bool
	}{
		{"scheduled", "/api/ai/analyze/1", http.StatusAccepted, true},
		{"unknown image", "/api/ai/analyze/99", http.StatusNotFound, false},
		{"missing file", "/api/ai/analyze/2", http.StatusNotFound, false},
		{"bad id", "/api/ai/analyze/abc", http.StatusBadRequest, false},
		{"zero id", "/api/ai/analyze/0", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, analyzer, _ := setup(t)
			rec, body := do(t, h, http.MethodPost, tt.target, nil)
			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d (%s)", tt.wantCode, rec.Code, rec.Body.String())
			}
			if got := len(analyzer.triggered) == 1; got != tt.triggered {
				t.Errorf("Triggered = %v, want %v", got, tt.triggered)
			}
			if tt.triggered && body["status"] != string(types.StatusPending) {
				t.Errorf("Expected pending status, got %v", body["status"])
			}
			if !tt.triggered && body["error"] == nil {
				t.Errorf("Expected error body, got %v", body)
			}
		})
	}
}

func TestAnalyzeBatch(t *testing.T) {
	h, analyzer, _ := setup(t)
	payload, _ := json.Marshal(BatchRequest{ImageIDs: []uint{1, 2, 3, 42}})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ai/analyze/batch", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var report pipeline.BatchReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report.Total != 4 || report.Succeeded != 2 || report.Failed != 2 {
		t.Errorf("Unexpected counts: total=%d succeeded=%d failed=%d", report.Total, report.Succeeded, report.Failed)
	}
	if len(report.Results) != 4 {
		t.Errorf("Expected 4 outcomes, got %d", len(report.Results))
	}
	if len(analyzer.jobs) != 2 {
		t.Errorf("Expected 2 jobs dispatched, got %d", len(analyzer.jobs))
	}
}

func TestAnalyzeBatchValidation(t *testing.T) {
	h, _, _ := setup(t)

	tooMany := make([]uint, MaxBatchSize+1)
	for i := range tooMany {
		tooMany[i] = uint(i + 1)
	}
	bodies := map[string][]byte{
		"not json": []byte("{"),
		"empty":    []byte(`{"image_ids": []}`),
	}
	bodies["too many"], _ = json.Marshal(BatchRequest{ImageIDs: tooMany})

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			rec, _ := do(t, h, http.MethodPost, "/api/ai/analyze/batch", body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestAnalyzeBatchSeedMissing(t *testing.T) {
	h, analyzer, _ := setup(t)
	analyzer.batchErr = categories.ErrSeedDataMissing

	rec, body := do(t, h, http.MethodPost, "/api/ai/analyze/batch", []byte(`{"image_ids": [1]}`))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("Expected 500, got %d", rec.Code)
	}
	if _, ok := body["report"]; !ok {
		t.Errorf("Expected partial report in body, got %v", body)
	}
}

func TestImageStatus(t *testing.T) {
	h, _, _ := setup(t)

	rec, body := do(t, h, http.MethodGet, "/api/ai/status/3", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["status"] != string(types.StatusFailed) || body["error_message"] != "boom" || body["needs_manual_metadata"] != true {
		t.Errorf("Unexpected status body: %v", body)
	}

	rec, _ = do(t, h, http.MethodGet, "/api/ai/status/77", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown image, got %d", rec.Code)
	}
}

func TestServiceStatus(t *testing.T) {
	h, _, _ := setup(t)
	rec, body := do(t, h, http.MethodGet, "/api/ai/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["ai_enabled"] != true || body["model"] != "test/model" {
		t.Errorf("Unexpected service status: %v", body)
	}
	if body["max_retries"] != float64(3) || body["retry_delay"] != float64(1) {
		t.Errorf("Unexpected retry settings: %v", body)
	}
}

func TestCostEstimate(t *testing.T) {
	h, _, _ := setup(t)

	rec, body := do(t, h, http.MethodGet, "/api/ai/cost-estimate?num_images=10", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body["total_cost"] != 0.1 || body["currency"] != "USD" {
		t.Errorf("Unexpected estimate: %v", body)
	}

	for _, q := range []string{"0", "101", "lots"} {
		rec, _ := do(t, h, http.MethodGet, "/api/ai/cost-estimate?num_images="+q, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("num_images=%s: expected 400, got %d", q, rec.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _, _ := setup(t)
	rec, _ := do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h, _, _ := setup(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/ai/status", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("Expected 204 preflight, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("Unexpected allow origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/ai/status", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for unknown origin, got %d", rec.Code)
	}
}
