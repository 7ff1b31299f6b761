package rows

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kilianp07/peakshave/core/monitor"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestHandlerChannels(t *testing.T) {
	store := monitor.NewMemoryStore()
	if err := store.Write(context.Background(), []monitor.Row{
		{Time: t0, Channel: monitor.ChannelBattery, Value: -1},
		{Time: t0, Channel: monitor.ChannelSoC, Value: 0.5},
		{Time: t0, Channel: monitor.ChannelMeasuredLoad, Value: 6},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	h := NewHandler(store)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, Path+"?channel=p_battery&channel=soc_battery", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var out []monitor.Row
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 2 || out[0].Channel != monitor.ChannelBattery {
		t.Fatalf("unexpected rows %#v", out)
	}
}

func TestHandlerEmptyAndBadTime(t *testing.T) {
	h := NewHandler(monitor.NewMemoryStore())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, Path, nil))
	if rr.Body.String() != "[]\n" {
		t.Fatalf("expected empty array got %s", rr.Body.String())
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, Path+"?start=today", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rr.Code)
	}
}
