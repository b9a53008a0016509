package model

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/chewxy/math32"

	"github.com/openfluke/cardioloom/config"
)

// NewGrid builds a rectangular block of voxels with 26-neighbour
// connectivity. Delays follow from voxel distance and propagation
// velocity, each beat gets its own pseudo-random measurement matrix and
// the stimulus voxel is driven by a half-sine pulse.
func NewGrid(cfg config.Model, numSteps, numBeats int) (*FunctionalDescription, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nx, ny, nz := cfg.VoxelsX, cfg.VoxelsY, cfg.VoxelsZ
	numVoxels := nx * ny * nz
	numStates := 3 * numVoxels

	f, err := NewFunctionalDescription(numStates, cfg.Sensors, numSteps, numBeats)
	if err != nil {
		return nil, err
	}
	ap := f.AP

	voxel := func(x, y, z int) int { return (x*ny+y)*nz + z }
	samplesPerMM := cfg.SampleRateHz / (cfg.PropagationVelocityMPerS * 1000)

	for x := 0; x < nx; x++ {
		for y := 0; y < ny; y++ {
			for z := 0; z < nz; z++ {
				v := voxel(x, y, z)
				neighbours := 0
				for dir := 0; dir < NumDirections; dir++ {
					dx, dy, dz, _ := DelayIndexToOffset(dir)
					dist := cfg.VoxelSizeMM * math32.Sqrt(float32(dx*dx+dy*dy+dz*dz))
					samples := dist * samplesPerMM
					ap.Delays.Data[v*NumDirections+dir] = FromSamplesToDelay(samples)
					ap.Coefs.Data[v*NumDirections+dir] = FromSamplesToCoef(samples)

					wx, wy, wz := x+dx, y+dy, z+dz
					if wx < 0 || wx >= nx || wy < 0 || wy >= ny || wz < 0 || wz >= nz {
						continue
					}
					neighbours++
					w := voxel(wx, wy, wz)
					for d := 0; d < 3; d++ {
						for k := 0; k < 3; k++ {
							ap.OutputStateIndices.Data[(3*v+d)*NumOffsets+3*dir+k] = int32(3*w + k)
						}
					}
				}
				if neighbours == 0 {
					continue
				}
				g := cfg.GainScale / float32(neighbours)
				for dir := 0; dir < NumDirections; dir++ {
					if !ap.Connected(v, dir) {
						continue
					}
					for d := 0; d < 3; d++ {
						ap.Gains.Data[(3*v+d)*NumOffsets+3*dir+d] = g
					}
				}
			}
		}
	}
	ap.StoreInitialDelays()

	rng := rand.New(rand.NewSource(cfg.Seed))
	scale := 1 / math.Sqrt(float64(numVoxels))
	for i := range f.MeasurementMatrix.Data {
		f.MeasurementMatrix.Data[i] = float32(rng.NormFloat64() * scale)
	}

	for d := 0; d < 3; d++ {
		f.ControlMatrix.Data[3*cfg.StimulusVoxel+d] = 1
	}
	pulse := cfg.PulseSteps
	if pulse < 1 {
		pulse = 1
	}
	for t := 0; t < numSteps && t < pulse; t++ {
		f.ControlFunctionValues.Data[t] = float32(math.Sin(math.Pi * float64(t+1) / float64(pulse+1)))
	}

	for i := range f.ProcessCovariance.Data {
		f.ProcessCovariance.Data[i] = positiveSample(rng, cfg.ProcessCovarianceMean, cfg.ProcessCovarianceStd)
	}
	for i := range f.MeasurementCovariance.Data {
		f.MeasurementCovariance.Data[i] = positiveSample(rng, cfg.MeasurementCovarianceMean, cfg.MeasurementCovarianceStd)
	}

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("grid construction: %w", err)
	}
	return f, nil
}

func positiveSample(rng *rand.Rand, mean, std float32) float32 {
	if std == 0 {
		return mean
	}
	v := mean + std*float32(rng.NormFloat64())
	if v <= 0 {
		return mean
	}
	return v
}
