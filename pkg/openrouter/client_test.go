package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/photo-enricher/pkg/inference"
	"github.com/menta2k/photo-enricher/pkg/types"
)

var testImage = types.EncodedImage{Data: []byte{0xff, 0xd8, 0xff}, MediaType: "image/jpeg", Size: 3}

func successBody(content string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"id": "gen-1",
		"choices": []map[string]interface{}{
			{"index": 0, "message": map[string]interface{}{"role": "assistant", "content": content}},
		},
	})
	return string(b)
}

func newTestClient(url string, policy inference.Policy) *Client {
	return NewClient(Config{
		APIKey:      "test-key",
		BaseURL:     url,
		Model:       "test/model",
		MaxTokens:   2000,
		Temperature: 0.1,
		Referer:     "https://photos.example",
		Title:       "Photo Enricher",
		Policy:      policy,
	}, nil)
}

func TestAnalyzeDisabledMakesNoRequest(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer server.Close()

	c := NewClient(Config{BaseURL: server.URL, Policy: inference.DefaultPolicy()}, nil)
	if c.Enabled() {
		t.Fatal("Client without API key should be disabled")
	}

	_, err := c.Analyze(context.Background(), testImage, "describe")
	if inference.KindOf(err) != inference.KindDisabled {
		t.Fatalf("Expected disabled error, got %v", err)
	}
	if err.Error() != "disabled: "+inference.DisabledReason {
		t.Errorf("Unexpected message: %q", err.Error())
	}
	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Errorf("Expected zero network calls, got %d", n)
	}
}

func TestAnalyzeWireFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Unexpected Authorization header %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Unexpected Content-Type %q", got)
		}
		if got := r.Header.Get("HTTP-Referer"); got != "https://photos.example" {
			t.Errorf("Unexpected HTTP-Referer %q", got)
		}
		if got := r.Header.Get("X-Title"); got != "Photo Enricher" {
			t.Errorf("Unexpected X-Title %q", got)
		}

		raw, _ := io.ReadAll(r.Body)
		var req ChatCompletionRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			t.Fatalf("Invalid request body: %v", err)
		}
		if req.Model != "test/model" || req.MaxTokens != 2000 || req.Temperature != 0.1 {
			t.Errorf("Unexpected request parameters: %+v", req)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Fatalf("Expected one user message, got %+v", req.Messages)
		}

		parts, ok := req.Messages[0].Content.([]interface{})
		if !ok || len(parts) != 2 {
			t.Fatalf("Expected two content parts, got %#v", req.Messages[0].Content)
		}
		text := parts[0].(map[string]interface{})
		if text["type"] != "text" || text["text"] != "describe this" {
			t.Errorf("Unexpected text part: %v", text)
		}
		img := parts[1].(map[string]interface{})
		url := img["image_url"].(map[string]interface{})["url"].(string)
		if img["type"] != "image_url" || !strings.HasPrefix(url, "data:image/jpeg;base64,") {
			t.Errorf("Unexpected image part: %v", img)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, successBody(`{"name":"Sunset"}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL+"/", inference.DefaultPolicy())
	out, err := c.Analyze(context.Background(), testImage, "describe this")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if out != `{"name":"Sunset"}` {
		t.Errorf("Unexpected content %q", out)
	}
}

func TestAnalyzeRetriesRateLimits(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			io.WriteString(w, `{"error":{"message":"rate limited"}}`)
			return
		}
		io.WriteString(w, successBody("ok"))
	}))
	defer server.Close()

	base := 20 * time.Millisecond
	c := newTestClient(server.URL, inference.Policy{MaxRetries: 3, BaseDelay: base, Timeout: 5 * time.Second})

	start := time.Now()
	out, err := c.Analyze(context.Background(), testImage, "p")
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Expected success after rate limits, got %v", err)
	}
	if out != "ok" {
		t.Errorf("Unexpected content %q", out)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
	if elapsed < 3*base {
		t.Errorf("Expected at least %v of backoff, took %v", 3*base, elapsed)
	}
}

func TestAnalyzeStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantKind  inference.Kind
		wantCalls int32
	}{
		{"server error retried", http.StatusInternalServerError, "boom", inference.KindTransport, 3},
		{"rate limit exhausted", http.StatusTooManyRequests, "", inference.KindRateLimited, 3},
		{"missing choices", http.StatusOK, `{"id":"x"}`, inference.KindMalformed, 1},
		{"empty choices", http.StatusOK, `{"choices":[]}`, inference.KindMalformed, 1},
		{"error payload", http.StatusOK, `{"error":{"message":"model overloaded"}}`, inference.KindMalformed, 1},
		{"not json", http.StatusOK, `<html>`, inference.KindMalformed, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			c := newTestClient(server.URL, inference.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, Timeout: time.Second})
			_, err := c.Analyze(context.Background(), testImage, "p")

			var ierr *inference.Error
			if !errors.As(err, &ierr) {
				t.Fatalf("Expected *inference.Error, got %v", err)
			}
			if ierr.Kind != tt.wantKind {
				t.Errorf("Expected kind %s, got %s (%v)", tt.wantKind, ierr.Kind, err)
			}
			if n := atomic.LoadInt32(&calls); n != tt.wantCalls {
				t.Errorf("Expected %d calls, got %d", tt.wantCalls, n)
			}
			if ierr.Attempts != int(tt.wantCalls) {
				t.Errorf("Expected Attempts=%d, got %d", tt.wantCalls, ierr.Attempts)
			}
		})
	}
}

func TestAnalyzePerAttemptTimeout(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	c := newTestClient(server.URL, inference.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Timeout: 50 * time.Millisecond})
	_, err := c.Analyze(context.Background(), testImage, "p")
	if inference.KindOf(err) != inference.KindTransport {
		t.Fatalf("Expected transport error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded in chain, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Errorf("Expected 2 attempts, got %d", n)
	}
}

func TestExtractContentParts(t *testing.T) {
	body := `{"choices":[{"message":{"role":"assistant","content":[{"type":"text","text":"{\"a\":1}"}]}}]}`
	out, err := extractContent([]byte(body))
	if err != nil {
		t.Fatalf("extractContent failed: %v", err)
	}
	if out != `{"a":1}` {
		t.Errorf("Unexpected content %q", out)
	}

	if _, err := extractContent([]byte(`{"choices":[{"message":{"content":"   "}}]}`)); inference.KindOf(err) != inference.KindMalformed {
		t.Errorf("Blank content should be malformed, got %v", err)
	}
}
