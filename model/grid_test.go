package model

import (
	"testing"

	"github.com/openfluke/cardioloom/config"
)

func TestNewGridConnectivity(t *testing.T) {
	cfg := config.DefaultModel()
	cfg.VoxelsX, cfg.VoxelsY, cfg.VoxelsZ = 3, 3, 3
	f, err := NewGrid(cfg, 20, 2)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	if f.NumStates() != 81 || f.NumVoxels() != 27 || f.NumBeats() != 2 {
		t.Fatalf("unexpected dimensions: states=%d voxels=%d beats=%d", f.NumStates(), f.NumVoxels(), f.NumBeats())
	}

	// The centre voxel (1,1,1) sees all 26 neighbours, a corner sees 7.
	centre, corner := 13, 0
	count := func(v int) int {
		n := 0
		for dir := 0; dir < NumDirections; dir++ {
			if f.AP.Connected(v, dir) {
				n++
			}
		}
		return n
	}
	if got := count(centre); got != 26 {
		t.Errorf("centre voxel has %d neighbours, want 26", got)
	}
	if got := count(corner); got != 7 {
		t.Errorf("corner voxel has %d neighbours, want 7", got)
	}

	// Direction (+1,0,0) of the corner points at voxel (1,0,0) = 9.
	dir, _ := OffsetToDelayIndex(1, 0, 0)
	if w, ok := f.AP.Neighbour(corner, dir); !ok || w != 9 {
		t.Errorf("neighbour of corner along +x = %d,%v; want 9", w, ok)
	}

	for i, s := range f.AP.OutputStateIndices.Data {
		if s != NoState && s%3 != int32(i%3) {
			t.Fatalf("tap %d reads dimension %d, want %d", i, s%3, i%3)
		}
	}
}

func TestNewGridDelaysFromDistance(t *testing.T) {
	cfg := config.DefaultModel()
	f, err := NewGrid(cfg, 10, 1)
	if err != nil {
		t.Fatal(err)
	}
	dir, _ := OffsetToDelayIndex(1, 0, 0)
	samples := cfg.VoxelSizeMM / 1000 / cfg.PropagationVelocityMPerS * cfg.SampleRateHz
	got := f.AP.AverageDelay(dir)
	if !approx(got, samples, 1e-3) {
		t.Errorf("average delay %f, want %f", got, samples)
	}
	if f.AP.InitialDelays.Data[dir] != got {
		t.Error("initial delays not stored")
	}
}

func TestFunctionalDescriptionValidate(t *testing.T) {
	f, err := NewGrid(config.DefaultModel(), 5, 1)
	if err != nil {
		t.Fatal(err)
	}
	f.MeasurementCovariance.Data[0] = 0
	if err := f.Validate(); err == nil {
		t.Error("zero measurement covariance should fail validation")
	}
}

func TestWholeSampleDelaysDoNotRoll(t *testing.T) {
	cfg := config.DefaultModel()
	// 2.5 mm at 1.25 m/s and 2 kHz is exactly 4 samples along each axis.
	cfg.PropagationVelocityMPerS = 1.25
	f, err := NewGrid(cfg, 10, 1)
	if err != nil {
		t.Fatalf("NewGrid failed: %v", err)
	}
	coefs := append([]float32(nil), f.AP.Coefs.Data...)
	delays := append([]int32(nil), f.AP.Delays.Data...)
	for i, c := range coefs {
		if c < CoefLowerBound || c > CoefUpperBound {
			t.Fatalf("coef %d = %f outside [%f, %f]", i, c, CoefLowerBound, CoefUpperBound)
		}
	}
	f.AP.RollDelays()
	for i := range coefs {
		if f.AP.Coefs.Data[i] != coefs[i] || f.AP.Delays.Data[i] != delays[i] {
			t.Fatalf("roll changed pair %d: coef %f delay %d -> coef %f delay %d",
				i, coefs[i], delays[i], f.AP.Coefs.Data[i], f.AP.Delays.Data[i])
		}
	}
}
