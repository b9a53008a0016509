package gpu

import "github.com/openfluke/cardioloom/model"

// Every kernel binds the same eight storage arenas plus one uniform. The
// arenas pack related arrays back to back so the bind group stays within
// the default limit of eight storage buffers per shader stage.
const (
	bindTaps = iota
	bindVoxels
	bindAdam
	bindInts
	bindStates
	bindInputs
	bindMeas
	bindMetrics
	bindParams
	numBindings
)

// Counter slots at the end of the ints arena.
const (
	counterStep = iota
	counterAdamGains
	counterAdamCoefs
	numCounters
)

// layout holds the element offsets of every array inside its arena.
type layout struct {
	States, Voxels, Sensors, Steps, Beats int
	Taps, Coefs                           int
	Epochs, BatchesPerEpoch               int

	// taps arena, Taps elements each
	Gains, ApNow, ApLast, FIR, IIR, DGains, TapsLen int
	// voxels arena, Coefs elements each
	CoefValues, DCoefs, AverageDelays, InitialDelays, SmoothPen, DiffPen, VoxelsLen int
	// adam arena, empty unless Adam is selected
	MGains, VGains, MCoefs, VCoefs, AdamLen int
	// ints arena
	OSI, Delays, Counters, IntsLen int
	// states arena
	X, Mapped, Reg, RegPen, Control, StatesLen int
	// inputs arena, read only
	H, U, YData, InputsLen int
	// meas arena
	Pred, Res, MeasLen int
	// metrics arena
	Loss, LossMSE, LossMax                                       int
	LossBatch, LossMSEBatch, LossMaxBatch, LossSmooth, LossDiff int
	Acc, MetricsLen                                              int
}

func newLayout(states, sensors, steps, beats, epochs, batchesPerEpoch int, adam bool) layout {
	l := layout{
		States: states, Voxels: states / 3, Sensors: sensors, Steps: steps, Beats: beats,
		Taps:   states * model.NumOffsets,
		Coefs:  states / 3 * model.NumDirections,
		Epochs: max(epochs, 1), BatchesPerEpoch: batchesPerEpoch,
	}
	var n int
	next := func(size int) int {
		off := n
		n += size
		return off
	}

	n = 0
	l.Gains, l.ApNow, l.ApLast = next(l.Taps), next(l.Taps), next(l.Taps)
	l.FIR, l.IIR, l.DGains = next(l.Taps), next(l.Taps), next(l.Taps)
	l.TapsLen = n

	n = 0
	l.CoefValues, l.DCoefs, l.AverageDelays = next(l.Coefs), next(l.Coefs), next(l.Coefs)
	l.InitialDelays, l.SmoothPen, l.DiffPen = next(l.Coefs), next(l.Coefs), next(l.Coefs)
	l.VoxelsLen = n

	n = 0
	if adam {
		l.MGains, l.VGains = next(l.Taps), next(l.Taps)
		l.MCoefs, l.VCoefs = next(l.Coefs), next(l.Coefs)
	}
	l.AdamLen = max(n, 1)

	n = 0
	l.OSI, l.Delays, l.Counters = next(l.Taps), next(l.Coefs), next(numCounters)
	l.IntsLen = n

	n = 0
	l.X = next(steps * states)
	l.Mapped, l.Reg = next(states), next(states)
	l.RegPen, l.Control = next(l.Voxels), next(states)
	l.StatesLen = n

	n = 0
	l.H, l.U, l.YData = next(beats*sensors*states), next(steps), next(beats*steps*sensors)
	l.InputsLen = n

	n = 0
	l.Pred, l.Res = next(beats*steps*sensors), next(sensors)
	l.MeasLen = n

	n = 0
	stepSeries, batchSeries := l.Epochs*steps, l.Epochs*batchesPerEpoch
	l.Loss, l.LossMSE, l.LossMax = next(stepSeries), next(stepSeries), next(stepSeries)
	l.LossBatch, l.LossMSEBatch, l.LossMaxBatch = next(batchSeries), next(batchSeries), next(batchSeries)
	l.LossSmooth, l.LossDiff = next(batchSeries), next(batchSeries)
	l.Acc = next(4)
	l.MetricsLen = n
	return l
}

// arenaLens returns the element count of every storage arena in binding
// order.
func (l *layout) arenaLens() [bindParams]int {
	return [bindParams]int{l.TapsLen, l.VoxelsLen, l.AdamLen, l.IntsLen, l.StatesLen, l.InputsLen, l.MeasLen, l.MetricsLen}
}

// largestArena returns the size in bytes of the biggest storage binding.
func (l *layout) largestArena() uint64 {
	var m int
	for _, n := range l.arenaLens() {
		m = max(m, n)
	}
	return uint64(m) * 4
}

// maxThreads returns the widest dispatch any kernel needs.
func (l *layout) maxThreads() int {
	return max(l.Steps*l.States, l.Taps, l.Coefs, l.Sensors)
}
