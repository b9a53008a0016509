package engine

import (
	"testing"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

func TestPredictionFirstStepsOfPair(t *testing.T) {
	desc := pairModel(t, 3)
	est := NewEstimations(6, 4, 3, 1)
	ap := desc.AP

	CalculateSystemPrediction(est, desc, 0, 0, 1)
	x0 := append([]float32(nil), est.StatesAt(0)...)
	want0 := []float32{1, 0.5, -0.25, 0, 0, 0}
	for s := range want0 {
		if x0[s] != want0[s] {
			t.Fatalf("x0[%d] = %f, want %f", s, x0[s], want0[s])
		}
	}

	// Step 1: voxel 1 reads voxel 0 through y = a*x0.
	CalculateSystemPrediction(est, desc, 0, 1, 1)
	minusX, _ := model.OffsetToDelayIndex(-1, 0, 0)
	a := ap.Coefs.Data[1*model.NumDirections+minusX]
	for d := 0; d < 3; d++ {
		s := 3 + d
		var want float32
		for k := 0; k < 3; k++ {
			want += ap.Gains.Data[s*model.NumOffsets+3*minusX+k] * a * x0[k]
		}
		got := est.StatesAt(1)[s]
		if !closeTo(float64(got), float64(want), 1e-6) {
			t.Errorf("x1[%d] = %f, want %f", s, got, want)
		}
	}
	for s := 0; s < 3; s++ {
		if est.StatesAt(1)[s] != 0 {
			t.Errorf("voxel 0 should still be silent at step 1, got %f", est.StatesAt(1)[s])
		}
	}

	// Measurements are H x.
	h := desc.Measurement(0)
	for j := 0; j < 4; j++ {
		var want float32
		for s := 0; s < 6; s++ {
			want += h[j*6+s] * est.StatesAt(1)[s]
		}
		if got := est.MeasurementAt(0, 1)[j]; !closeTo(float64(got), float64(want), 1e-5) {
			t.Errorf("measurement %d = %f, want %f", j, got, want)
		}
	}
}

func TestZeroDelayTapReadsPreviousStepOnly(t *testing.T) {
	desc := pairModel(t, 2)
	ap := desc.AP
	minusX, _ := model.OffsetToDelayIndex(-1, 0, 0)
	ap.Delays.Data[1*model.NumDirections+minusX] = 0
	est := NewEstimations(6, 4, 2, 1)

	CalculateSystemPrediction(est, desc, 0, 0, 1)
	x0 := append([]float32(nil), est.StatesAt(0)...)
	CalculateSystemPrediction(est, desc, 0, 1, 1)

	// x[step] is not innovated yet when it is read, so only the delayed
	// input x[step-1] reaches the tap and the coef drops out.
	for d := 0; d < 3; d++ {
		s := 3 + d
		var want float32
		for k := 0; k < 3; k++ {
			want += ap.Gains.Data[s*model.NumOffsets+3*minusX+k] * x0[k]
		}
		got := est.StatesAt(1)[s]
		if !closeTo(float64(got), float64(want), 1e-6) {
			t.Errorf("x1[%d] = %f, want %f", s, got, want)
		}
	}
}

func TestInnovatePanicsWithoutIndices(t *testing.T) {
	desc := pairModel(t, 2)
	desc.AP.OutputStateIndices = nil
	est := NewEstimations(6, 4, 2, 1)
	defer func() {
		if recover() == nil {
			t.Error("expected panic for missing output state indices")
		}
	}()
	InnovateSystemStates(est, desc.AP, 0, 1)
}

func TestParallelInnovationMatchesSequential(t *testing.T) {
	cfg := config.DefaultModel()
	cfg.VoxelsX, cfg.VoxelsY, cfg.VoxelsZ = 8, 8, 2
	truth, err := model.NewGrid(cfg, 30, 1)
	if err != nil {
		t.Fatal(err)
	}
	seq := NewEstimations(truth.NumStates(), truth.NumSensors(), 30, 1)
	par := NewEstimations(truth.NumStates(), truth.NumSensors(), 30, 1)
	for step := 0; step < 30; step++ {
		CalculateSystemPrediction(seq, truth, 0, step, 1)
		CalculateSystemPrediction(par, truth, 0, step, 4)
	}
	for i := range seq.SystemStates.Data {
		if seq.SystemStates.Data[i] != par.SystemStates.Data[i] {
			t.Fatalf("state %d differs: %f vs %f", i, seq.SystemStates.Data[i], par.SystemStates.Data[i])
		}
	}
}

func TestConstrainSystemStates(t *testing.T) {
	est := NewEstimations(6, 1, 1, 1)
	copy(est.StatesAt(0), []float32{2, -1, 1, 0.1, 0.1, 0.1})
	ConstrainSystemStates(est, 0, 1)
	x := est.StatesAt(0)
	if !closeTo(float64(x[0]), 0.5, 1e-6) || !closeTo(float64(x[1]), -0.25, 1e-6) {
		t.Errorf("voxel 0 not rescaled: %v", x[:3])
	}
	if x[3] != 0.1 {
		t.Errorf("voxel 1 should be untouched: %v", x[3:])
	}
}

func TestEstimationsReset(t *testing.T) {
	truth, data := gridScenario(t, 20, 1)
	cfg := testAlgorithm()
	cfg.Epochs = 1
	b, err := NewCPUBackend(truth, data, &cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RunEpoch(0); err != nil {
		t.Fatal(err)
	}
	r, _ := b.Results()
	est := r.Estimations
	if allZero(est.SystemStates.Data) {
		t.Fatal("epoch left no system states")
	}
	est.Reset()
	r.Derivatives.Reset()
	for name, data := range map[string][]float32{
		"system_states":        est.SystemStates.Data,
		"ap_outputs_now":       est.ApOutputsNow.Data,
		"ap_outputs_last":      est.ApOutputsLast.Data,
		"measurements":         est.Measurements.Data,
		"residuals":            est.Residuals.Data,
		"derivatives.gains":    r.Derivatives.Gains.Data,
		"derivatives.coefs":    r.Derivatives.Coefs.Data,
		"derivatives.fir":      r.Derivatives.CoefsFIR.Data,
		"derivatives.iir":      r.Derivatives.CoefsIIR.Data,
		"derivatives.mapped":   r.Derivatives.MappedResiduals.Data,
		"derivatives.maxreg":   r.Derivatives.MaximumRegularization.Data,
		"derivatives.averages": r.Derivatives.AverageDelays.Data,
	} {
		if !allZero(data) {
			t.Errorf("%s not zero after reset", name)
		}
	}
	if r.Derivatives.MaximumRegularizationSum != 0 {
		t.Error("maximum regularization sum not reset")
	}
}
