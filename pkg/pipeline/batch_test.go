package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/menta2k/photo-enricher/pkg/categories"
	"github.com/menta2k/photo-enricher/pkg/types"
)

func TestAnalyzeBatchReport(t *testing.T) {
	h := newHarness(t, contentServer(sunsetContent), harnessOptions{apiKey: "key", seed: true})
	id1, p1 := h.addImage(t, "one.png")
	id2, p2 := h.addImage(t, "two.png")
	id3, _ := h.addImage(t, "three.png")

	report, err := h.orch.AnalyzeBatch(context.Background(), []Job{
		{ImageID: id1, FilePath: p1},
		{ImageID: id2, FilePath: p2},
		{ImageID: id3, FilePath: filepath.Join(h.dir, "gone.png")},
	})
	if err != nil {
		t.Fatalf("AnalyzeBatch() error = %v", err)
	}
	if report.ID == "" {
		t.Error("expected a batch id")
	}
	if report.Total != 3 || report.Succeeded != 2 || report.Failed != 1 {
		t.Errorf("unexpected counts: total=%d ok=%d failed=%d", report.Total, report.Succeeded, report.Failed)
	}
	if report.Results[2].ImageID != id3 || report.Results[2].Status != types.StatusFailed || report.Results[2].Error == "" {
		t.Errorf("unexpected outcome for broken image: %+v", report.Results[2])
	}
	for _, id := range []uint{id1, id2} {
		if h.image(t, id).AIProcessingStatus != types.StatusCompleted {
			t.Errorf("image %d should be completed", id)
		}
	}
	if h.image(t, id3).AIProcessingStatus != types.StatusFailed {
		t.Errorf("image %d should be failed", id3)
	}
}

func TestAnalyzeBatchBoundedConcurrency(t *testing.T) {
	var inFlight, peak int32
	handler := func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		io.WriteString(w, chatResponse(sunsetContent))
	}
	h := newHarness(t, handler, harnessOptions{apiKey: "key", seed: true})
	h.orch.concurrency = 2

	var jobs []Job
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png"} {
		id, path := h.addImage(t, name)
		jobs = append(jobs, Job{ImageID: id, FilePath: path})
	}

	report, err := h.orch.AnalyzeBatch(context.Background(), jobs)
	if err != nil {
		t.Fatalf("AnalyzeBatch() error = %v", err)
	}
	if report.Succeeded != len(jobs) {
		t.Errorf("expected all succeeded, got %+v", report)
	}
	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Errorf("expected at most 2 concurrent requests, saw %d", p)
	}
}

func TestAnalyzeBatchConcurrentNewCategory(t *testing.T) {
	content := `{"ai_name":"Dusk","ai_confidence_score":0.9,"category_selection":{"selected_category":"new","new_category_name":"Sunsets","new_category_description":"Evening skies"}}`
	h := newHarness(t, contentServer(content), harnessOptions{apiKey: "key", seed: true})
	id1, p1 := h.addImage(t, "one.png")
	id2, p2 := h.addImage(t, "two.png")

	report, err := h.orch.AnalyzeBatch(context.Background(), []Job{{ImageID: id1, FilePath: p1}, {ImageID: id2, FilePath: p2}})
	if err != nil {
		t.Fatalf("AnalyzeBatch() error = %v", err)
	}
	if report.Succeeded != 2 {
		t.Fatalf("expected both to succeed, got %+v", report)
	}
	if report.Results[0].CategoryID != report.Results[1].CategoryID {
		t.Errorf("expected one category, got %d and %d", report.Results[0].CategoryID, report.Results[1].CategoryID)
	}

	cats, _ := h.store.ListCategories(context.Background())
	count := 0
	for _, c := range cats {
		if c.Name == "Sunsets" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("expected exactly one Sunsets row, got %d", count)
	}
}

func TestAnalyzeBatchSeedDataMissing(t *testing.T) {
	h := newHarness(t, contentServer(sunsetContent), harnessOptions{apiKey: "key"})
	id1, p1 := h.addImage(t, "one.png")
	id2, p2 := h.addImage(t, "two.png")

	report, err := h.orch.AnalyzeBatch(context.Background(), []Job{{ImageID: id1, FilePath: p1}, {ImageID: id2, FilePath: p2}})
	if !errors.Is(err, categories.ErrSeedDataMissing) {
		t.Fatalf("expected ErrSeedDataMissing, got %v", err)
	}
	if report.Total != 2 || report.Failed != 2 {
		t.Errorf("expected a full report of failures, got %+v", report)
	}
	for _, id := range []uint{id1, id2} {
		if h.image(t, id).AIProcessingStatus != types.StatusFailed {
			t.Errorf("image %d should be failed", id)
		}
	}
}

func TestAnalyzeBatchEmpty(t *testing.T) {
	h := newHarness(t, contentServer(sunsetContent), harnessOptions{apiKey: "key", seed: true})
	report, err := h.orch.AnalyzeBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("AnalyzeBatch() error = %v", err)
	}
	if report.Total != 0 || len(report.Results) != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	var k keyedMutex
	unlock := k.Lock(1)

	acquired := make(chan struct{})
	done := make(chan struct{})
	go func() {
		u := k.Lock(1)
		close(acquired)
		u()
		close(done)
	}()

	other := k.Lock(2)
	other()

	select {
	case <-acquired:
		t.Fatal("second lock on the same key should block")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired
	<-done

	if len(k.locks) != 0 {
		t.Errorf("expected lock table to be empty, got %d entries", len(k.locks))
	}
}
