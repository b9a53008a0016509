package engine

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestChannelObserverReceivesEpochs(t *testing.T) {
	truth, data := gridScenario(t, 10, 1)
	cfg := testAlgorithm()
	b, err := NewCPUBackend(truth, data, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	obs := NewChannelObserver(cfg.Epochs)
	if _, err := Run(b, &cfg, obs); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	close(obs.Events)

	epoch := 0
	for event := range obs.Events {
		if event.Epoch != epoch {
			t.Errorf("expected epoch %d, got %d", epoch, event.Epoch)
		}
		if event.Backend != "cpu" {
			t.Errorf("unexpected backend %q", event.Backend)
		}
		if event.States.Total != truth.NumStates()*10 {
			t.Errorf("expected %d states, got %d", truth.NumStates()*10, event.States.Total)
		}
		epoch++
	}
	if epoch != cfg.Epochs {
		t.Errorf("expected %d events, got %d", cfg.Epochs, epoch)
	}
}

func TestChannelObserverDropsWhenFull(t *testing.T) {
	obs := NewChannelObserver(1)
	obs.OnEpoch(EpochEvent{Epoch: 0})
	obs.OnEpoch(EpochEvent{Epoch: 1})
	if got := len(obs.Events); got != 1 {
		t.Errorf("expected 1 buffered event, got %d", got)
	}
}

func TestHTTPObserverPostsJSON(t *testing.T) {
	received := make(chan EpochEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var e EpochEvent
		if err := json.NewDecoder(r.Body).Decode(&e); err == nil {
			received <- e
		}
	}))
	defer srv.Close()

	NewHTTPObserver(srv.URL).OnEpoch(EpochEvent{Epoch: 4, Loss: 0.25})
	select {
	case e := <-received:
		if e.Epoch != 4 || e.Loss != 0.25 {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestComputeStateStats(t *testing.T) {
	s := computeStateStats([]float32{1, -2, 0, 3})
	if s.Max != 3 || s.Min != -2 || s.Active != 3 || s.Total != 4 {
		t.Errorf("unexpected stats %+v", s)
	}
	if s.Mean != 0.5 {
		t.Errorf("expected mean 0.5, got %g", s.Mean)
	}
	if (computeStateStats(nil) != StateStats{}) {
		t.Errorf("expected empty stats")
	}
}
