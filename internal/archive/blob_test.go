package archive

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/photo-enricher/pkg/types"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("not-a-real-storage-account-key"))

func TestBlobName(t *testing.T) {
	a := BlobName(7, types.EncodedImage{})
	b := BlobName(7, types.EncodedImage{})
	if !strings.HasPrefix(a, "images/7/") || !strings.HasSuffix(a, ".jpg") {
		t.Errorf("Unexpected blob name %s", a)
	}
	if a == b {
		t.Error("Blob names should be unique per upload")
	}
	if !strings.HasSuffix(BlobName(7, types.EncodedImage{Raw: true}), ".bin") {
		t.Error("Raw payloads should use the .bin extension")
	}
}

func TestNewBlobArchiverRejectsBadKey(t *testing.T) {
	if _, err := NewBlobArchiver("photos", "%%%not-base64", "", "payloads"); err == nil {
		t.Error("Expected error for a key that is not base64")
	}
}

func TestArchiveUploadsBlockBlob(t *testing.T) {
	var (
		mu      sync.Mutex
		gotPath string
		gotType string
		gotBody []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotPath = r.URL.Path
		gotType = r.Header.Get("x-ms-blob-type")
		gotBody, _ = io.ReadAll(r.Body)
		mu.Unlock()

		w.Header().Set("ETag", `"0x8D"`)
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Header().Set("x-ms-request-id", "req-1")
		w.Header().Set("x-ms-version", "2023-11-03")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	a, err := NewBlobArchiver("photos", testKey, server.URL, "payloads")
	if err != nil {
		t.Fatalf("NewBlobArchiver failed: %v", err)
	}

	payload := []byte{0xff, 0xd8, 0xff, 0xe0}
	name, err := a.Archive(context.Background(), 12, types.EncodedImage{Data: payload, Size: len(payload)})
	if err != nil {
		t.Fatalf("Archive failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotPath != "/payloads/"+name {
		t.Errorf("Expected upload to /payloads/%s, got %s", name, gotPath)
	}
	if gotType != "BlockBlob" {
		t.Errorf("Expected BlockBlob upload, got %q", gotType)
	}
	if string(gotBody) != string(payload) {
		t.Errorf("Uploaded body mismatch: %v", gotBody)
	}
}
