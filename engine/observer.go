package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StateStats summarizes the system states of the last simulated beat.
type StateStats struct {
	Mean   float32 `json:"mean"`
	Max    float32 `json:"max"`
	Min    float32 `json:"min"`
	Active int     `json:"active"` // states with a magnitude above 1e-6
	Total  int     `json:"total"`
}

// EpochEvent is emitted by Run after every epoch.
type EpochEvent struct {
	RunID     string     `json:"run_id"`
	Backend   string     `json:"backend"`
	Epoch     int        `json:"epoch"`
	Loss      float32    `json:"loss"`
	LossMSE   float32    `json:"loss_mse"`
	States    StateStats `json:"states"`
	Timestamp time.Time  `json:"timestamp"`
}

// EpochObserver receives progress events from Run.
type EpochObserver interface {
	OnEpoch(event EpochEvent)
}

func computeStateStats(data []float32) StateStats {
	if len(data) == 0 {
		return StateStats{}
	}
	var sum float32
	stats := StateStats{Max: data[0], Min: data[0], Total: len(data)}
	for _, v := range data {
		sum += v
		if v > stats.Max {
			stats.Max = v
		}
		if v < stats.Min {
			stats.Min = v
		}
		if v > 1e-6 || v < -1e-6 {
			stats.Active++
		}
	}
	stats.Mean = sum / float32(len(data))
	return stats
}

func newEpochEvent(r *Results, backend string, epoch int) EpochEvent {
	var mse float32
	m := r.Metrics
	for b := 0; b < m.BatchesPerEpoch; b++ {
		mse += m.LossMSEBatch.Data[epoch*m.BatchesPerEpoch+b]
	}
	return EpochEvent{
		RunID:     r.ID.String(),
		Backend:   backend,
		Epoch:     epoch,
		Loss:      m.EpochLoss(epoch),
		LossMSE:   mse / float32(m.BatchesPerEpoch),
		States:    computeStateStats(r.Estimations.SystemStates.Data),
		Timestamp: time.Now(),
	}
}

// ConsoleObserver prints epoch events to stdout.
type ConsoleObserver struct{}

func (o *ConsoleObserver) OnEpoch(event EpochEvent) {
	fmt.Printf("[%s] epoch %d: loss=%.6g mse=%.6g states avg=%.4f max=%.4f active=%d/%d\n",
		event.Backend, event.Epoch+1, event.Loss, event.LossMSE,
		event.States.Mean, event.States.Max, event.States.Active, event.States.Total)
}

// HTTPObserver posts epoch events as JSON to an endpoint, e.g. a live
// loss plot.
type HTTPObserver struct {
	URL    string
	client *http.Client
}

func NewHTTPObserver(url string) *HTTPObserver {
	return &HTTPObserver{
		URL:    url,
		client: &http.Client{Timeout: 500 * time.Millisecond},
	}
}

// OnEpoch sends the event without waiting for the response.
func (o *HTTPObserver) OnEpoch(event EpochEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	go func() {
		resp, err := o.client.Post(o.URL, "application/json", bytes.NewReader(data))
		if err == nil && resp != nil {
			resp.Body.Close()
		}
	}()
}

// ChannelObserver forwards events to a channel and drops them when the
// channel is full.
type ChannelObserver struct {
	Events chan EpochEvent
}

func NewChannelObserver(bufferSize int) *ChannelObserver {
	return &ChannelObserver{Events: make(chan EpochEvent, bufferSize)}
}

func (o *ChannelObserver) OnEpoch(event EpochEvent) {
	select {
	case o.Events <- event:
	default:
	}
}
