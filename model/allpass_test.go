package model

import (
	"errors"
	"math"
	"testing"

	"github.com/openfluke/cardioloom/config"
)

func approx(a, b, tol float32) bool {
	return math.Abs(float64(a-b)) <= float64(tol)
}

func TestCoefSampleConversion(t *testing.T) {
	for _, samples := range []float32{0.1, 0.25, 0.5, 0.75, 3.3} {
		c := FromSamplesToCoef(samples)
		frac := samples - float32(int(samples))
		if got := FromCoefToSamples(c); !approx(got, frac, 1e-5) {
			t.Errorf("samples %f: coef %f converts back to %f", samples, c, got)
		}
	}
	if c := FromSamplesToCoef(2.0); c != CoefUpperBound {
		t.Errorf("integer delay should clamp coef to %f, got %f", CoefUpperBound, c)
	}
	if c := FromSamplesToCoef(2.9999); c != CoefLowerBound {
		t.Errorf("delay just below an integer should clamp coef to %f, got %f", CoefLowerBound, c)
	}
	if d := FromSamplesToDelay(3.9); d != 3 {
		t.Errorf("expected delay 3, got %d", d)
	}
}

func TestUpdateGainsSignFlip(t *testing.T) {
	ap, err := NewAPParameters(9)
	if err != nil {
		t.Fatal(err)
	}
	grads := make([]float32, ap.Gains.Size())
	for i := range grads {
		grads[i] = -0.5
	}
	ap.UpdateGains(grads, 1.0, 1)
	for i, g := range ap.Gains.Data {
		if g != -grads[i] {
			t.Fatalf("gain %d = %f, want %f", i, g, -grads[i])
		}
	}
}

func TestUpdateDelaysAndRoll(t *testing.T) {
	ap, err := NewAPParameters(9)
	if err != nil {
		t.Fatal(err)
	}
	grads := make([]float32, ap.Coefs.Size())
	for i := range grads {
		grads[i] = -0.5
	}
	ap.UpdateDelays(grads, 1.0, 1)
	ap.RollDelays()
	for i, c := range ap.Coefs.Data {
		if c != -grads[i] {
			t.Fatalf("coef %d = %f, want %f", i, c, -grads[i])
		}
		if ap.Delays.Data[i] != 0 {
			t.Fatalf("delay %d rolled unexpectedly to %d", i, ap.Delays.Data[i])
		}
	}
}

func TestRollBoundaries(t *testing.T) {
	coefs := []float32{0.995, 1.2, 0.005, -0.3, 0.5, 0.99, 0.01}
	delays := []int32{3, 0, 5, MaxDelay, 2, 0, MaxDelay}
	RollDelays(coefs, delays)

	wantCoefs := []float32{CoefLowerBound, CoefUpperBound, CoefUpperBound, CoefLowerBound, 0.5, 0.99, 0.01}
	wantDelays := []int32{2, 0, 6, MaxDelay, 2, 0, MaxDelay}
	for i := range coefs {
		if coefs[i] != wantCoefs[i] || delays[i] != wantDelays[i] {
			t.Errorf("entry %d: got (%f,%d), want (%f,%d)", i, coefs[i], delays[i], wantCoefs[i], wantDelays[i])
		}
	}
}

func TestUpdateRespectsFreeze(t *testing.T) {
	ap, _ := NewAPParameters(3)
	ap.Coefs.Fill(0.5)
	gains := make([]float32, ap.Gains.Size())
	coefs := make([]float32, ap.Coefs.Size())
	for i := range gains {
		gains[i] = 1
	}
	for i := range coefs {
		coefs[i] = 1
	}
	cfg := config.DefaultAlgorithm()
	cfg.FreezeGains = true
	cfg.FreezeDelays = true
	opt, err := NewOptimizers(cfg.Optimizer, len(gains), len(coefs))
	if err != nil {
		t.Fatal(err)
	}
	ap.Update(gains, coefs, opt, &cfg, 1.0, 2, 1)
	for _, g := range ap.Gains.Data {
		if g != 0 {
			t.Fatal("frozen gains changed")
		}
	}
	for _, c := range ap.Coefs.Data {
		if c != 0.5 {
			t.Fatal("frozen coefs changed")
		}
	}
}

func TestAdamFirstStepMovesByLearningRate(t *testing.T) {
	params := []float32{1, 1, 1}
	grads := []float32{2, -3, 0.5}
	opt := NewAdamOptimizer(3)
	opt.Step(params, grads, 0.1)
	// First bias-corrected Adam step is lr * sign(g).
	want := []float32{0.9, 1.1, 0.9}
	for i := range params {
		if !approx(params[i], want[i], 1e-5) {
			t.Errorf("param %d = %f, want %f", i, params[i], want[i])
		}
	}
	if opt.StepCount() != 1 {
		t.Errorf("expected step count 1, got %d", opt.StepCount())
	}
	opt.Reset()
	if opt.StepCount() != 0 || opt.M[0] != 0 {
		t.Error("Reset did not clear optimizer state")
	}
}

func TestNewAPParametersRejectsBadCount(t *testing.T) {
	if _, err := NewAPParameters(4); !errors.Is(err, ErrInvalidParameters) {
		t.Errorf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestValidateRejectsMismatchedIndices(t *testing.T) {
	ap, err := NewAPParameters(6)
	if err != nil {
		t.Fatal(err)
	}
	ap.Coefs.Fill(0.5)
	if err := ap.Validate(); err != nil {
		t.Fatalf("fresh parameters should validate, got %v", err)
	}
	ap.OutputStateIndices = NewTensor[int32](6, NumOffsets-1)
	if err := ap.Validate(); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestTensorSameShape(t *testing.T) {
	a := NewTensor[float32](3, NumOffsets)
	b := NewTensor[int32](3, NumOffsets)
	if !a.SameShape(b.Shape) {
		t.Error("float and index tensors of equal dimensions should match")
	}
	if a.SameShape([]int{3}) || a.SameShape([]int{NumOffsets, 3}) {
		t.Error("different dimensions reported as equal")
	}
}
