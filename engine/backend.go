package engine

import (
	"fmt"
	"math/rand"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// Verbose enables per-epoch progress output.
var Verbose = false

// Backend runs estimation epochs. The CPU backend is the reference; the
// GPU backend must produce the same parameters within tolerance.
type Backend interface {
	// RunEpoch performs one full pass over all beats and steps, including
	// the parameter updates of every batch.
	RunEpoch(epoch int) error

	// Results returns the current results. Device backends download
	// their state first.
	Results() (*Results, error)

	// Close releases backend resources.
	Close()

	// Name returns the backend name
	Name() string
}

// CPUBackend is the sequential-per-step reference implementation, with
// fork-join parallelism over states inside a step.
type CPUBackend struct {
	results   *Results
	data      *Data
	cfg       *config.Algorithm
	scheduler LRScheduler
	order     *BeatOrder
	pinv      *PseudoInverse
}

// BeatOrder yields the order in which beats are visited, reshuffled every
// epoch when shuffling is enabled. Every backend uses it so that a seed
// gives the same visiting order everywhere.
type BeatOrder struct {
	shuffle bool
	rng     *rand.Rand
	order   []int
}

// NewBeatOrder starts with beats in their natural order.
func NewBeatOrder(cfg *config.Algorithm, beats int) *BeatOrder {
	o := &BeatOrder{
		shuffle: cfg.ShuffleBeats,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		order:   make([]int, beats),
	}
	for i := range o.order {
		o.order[i] = i
	}
	return o
}

// Next returns the order for the next epoch.
func (o *BeatOrder) Next() []int {
	if o.shuffle {
		o.rng.Shuffle(len(o.order), func(i, j int) {
			o.order[i], o.order[j] = o.order[j], o.order[i]
		})
	}
	return o.order
}

// NewCPUBackend prepares a run of fd against data. fd is cloned.
func NewCPUBackend(fd *model.FunctionalDescription, data *Data, cfg *config.Algorithm) (*CPUBackend, error) {
	results, err := NewResults(fd, data, cfg)
	if err != nil {
		return nil, err
	}
	b := &CPUBackend{
		results:   results,
		data:      data,
		cfg:       cfg,
		scheduler: NewScheduler(cfg),
		order:     NewBeatOrder(cfg, data.NumBeats()),
	}
	if cfg.AlgorithmType == config.PseudoInverse {
		b.pinv = NewPseudoInverse(results.Model)
	}
	return b, nil
}

func (b *CPUBackend) Name() string { return "cpu" }

func (b *CPUBackend) Close() {}

func (b *CPUBackend) Results() (*Results, error) {
	return b.results, nil
}

// RunEpoch implements Backend.
func (b *CPUBackend) RunEpoch(epoch int) error {
	if b.cfg.AlgorithmType == config.PseudoInverse {
		return b.runPseudoInverseEpoch(epoch)
	}

	r := b.results
	est, d, fd, cfg := r.Estimations, r.Derivatives, r.Model, b.cfg
	lr := b.scheduler.GetLR(epoch)
	steps := r.Steps

	d.Reset()
	batch, inBatch := 0, 0
	finishBatch := func() {
		CalculateBatchDerivatives(d, fd.AP, cfg)
		fd.AP.Update(d.Gains.Data, d.Coefs.Data, d.Optimizers, cfg, lr, steps, r.Beats)
		r.Metrics.CalculateBatch(d, epoch, batch)
		d.Reset()
		batch++
		inBatch = 0
	}

	for _, beat := range b.order.Next() {
		est.ResetBeat()
		d.ResetBeat()
		for step := 0; step < steps; step++ {
			CalculateSystemPrediction(est, fd, beat, step, cfg.Workers)
			if cfg.ConstrainSystemStates {
				ConstrainSystemStates(est, step, cfg.StateClampingThreshold)
				PredictMeasurements(est, fd, beat, step)
			}
			CalculateResiduals(est, b.data, beat, step)

			if cfg.UpdateKalmanGain && !est.KalmanGainConverged {
				if err := UpdateKalmanGainAndCheckConvergence(est, fd, beat); err != nil {
					return fmt.Errorf("epoch %d beat %d step %d: %w", epoch, beat, step, err)
				}
			}
			if cfg.ApplySystemUpdate {
				CalculateSystemUpdate(est, fd, b.data, beat, step)
			}

			CalculateStepDerivatives(d, est, fd, cfg, beat, step, cfg.Workers)
			r.Metrics.CalculateStep(est.Residuals.Data, d.MaximumRegularizationSum, cfg, epoch, step)
		}
		inBatch++
		if cfg.BatchSize > 0 && inBatch == cfg.BatchSize {
			finishBatch()
		}
	}
	if inBatch > 0 {
		finishBatch()
	}

	if Verbose {
		fmt.Printf("Epoch %d/%d - Loss: %.6f - LR: %.4g\n", epoch+1, r.Epochs, r.Metrics.EpochLoss(epoch), lr)
	}
	return nil
}

func (b *CPUBackend) runPseudoInverseEpoch(epoch int) error {
	r := b.results
	est, d, fd, cfg := r.Estimations, r.Derivatives, r.Model, b.cfg

	d.Reset()
	for _, beat := range b.order.Next() {
		est.ResetBeat()
		d.ResetBeat()
		for step := 0; step < r.Steps; step++ {
			if err := b.pinv.Step(est, fd, b.data, beat, step); err != nil {
				return fmt.Errorf("epoch %d beat %d step %d: %w", epoch, beat, step, err)
			}
			CalculateStepDerivatives(d, est, fd, cfg, beat, step, cfg.Workers)
			r.Metrics.CalculateStep(est.Residuals.Data, d.MaximumRegularizationSum, cfg, epoch, step)
		}
	}
	r.Metrics.CalculateBatch(d, epoch, 0)

	if Verbose {
		fmt.Printf("Epoch %d/%d (pseudo inverse) - Loss: %.6f\n", epoch+1, r.Epochs, r.Metrics.EpochLoss(epoch))
	}
	return nil
}

// Run drives a backend through cfg.Epochs epochs, taking snapshots at the
// configured interval and notifying observers after every epoch, and
// returns the final results.
func Run(b Backend, cfg *config.Algorithm, observers ...EpochObserver) (*Results, error) {
	var snapshots []Snapshot
	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		if err := b.RunEpoch(epoch); err != nil {
			return nil, fmt.Errorf("%s backend: %w", b.Name(), err)
		}
		snapshot := cfg.SnapshotsInterval > 0 && (epoch+1)%cfg.SnapshotsInterval == 0
		if !snapshot && len(observers) == 0 {
			continue
		}
		r, err := b.Results()
		if err != nil {
			return nil, err
		}
		if snapshot {
			snapshots = append(snapshots, r.Snapshot(epoch))
		}
		if len(observers) > 0 {
			event := newEpochEvent(r, b.Name(), epoch)
			for _, o := range observers {
				o.OnEpoch(event)
			}
		}
	}
	r, err := b.Results()
	if err != nil {
		return nil, err
	}
	if len(snapshots) > 0 {
		r.Snapshots = snapshots
	}
	return r, nil
}
