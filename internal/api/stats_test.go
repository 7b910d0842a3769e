package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/vigil/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgSettleMS != 0 {
		t.Errorf("avg_settle_ms = %f, want 0", stats.AvgSettleMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		w := &model.Wait{
			ID: model.NewID(), SessionID: "sess-a", Title: "ready",
			Polling: model.PollRAF, Status: model.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateWait(ctx, w); err != nil {
			t.Fatalf("CreateWait: %v", err)
		}
		if err := srv.store.SettleWait(ctx, w.ID, model.StatusResolved, []byte(`true`), "", 2); err != nil {
			t.Fatalf("SettleWait: %v", err)
		}
	}

	// One timed out on mutation polling.
	w := &model.Wait{
		ID: model.NewID(), SessionID: "sess-b", Title: "never",
		Polling: model.PollMutation, Status: model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateWait(ctx, w); err != nil {
		t.Fatalf("CreateWait: %v", err)
	}
	if err := srv.store.SettleWait(ctx, w.ID, model.StatusTimeout, nil, "timeout 1s exceeded", 9); err != nil {
		t.Fatalf("SettleWait: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus["resolved"] != 3 {
		t.Errorf("by_status[resolved] = %d, want 3", stats.ByStatus["resolved"])
	}
	if stats.ByStatus["timeout"] != 1 {
		t.Errorf("by_status[timeout] = %d, want 1", stats.ByStatus["timeout"])
	}
	if stats.ByPolling[model.PollRAF] != 3 {
		t.Errorf("by_polling[raf] = %d, want 3", stats.ByPolling[model.PollRAF])
	}
	if stats.ByPolling[model.PollMutation] != 1 {
		t.Errorf("by_polling[mutation] = %d, want 1", stats.ByPolling[model.PollMutation])
	}
	if stats.AvgSettleMS < 0 {
		t.Errorf("avg_settle_ms = %f, want >= 0", stats.AvgSettleMS)
	}
}
