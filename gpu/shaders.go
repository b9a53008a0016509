package gpu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/model"
)

// Kernel names in dispatch order of one step, followed by the batch and
// reset kernels.
const (
	kernelResetBeat        = "reset_beat"
	kernelResetDerivatives = "reset_derivatives"
	kernelInnovate         = "innovate"
	kernelControl          = "control"
	kernelConstrain        = "constrain"
	kernelMeasure          = "measure"
	kernelMapResiduals     = "map_residuals"
	kernelMaxReg           = "maximum_regularization"
	kernelGainsGrad        = "gains_derivatives"
	kernelCoefsGrad        = "coefs_derivatives"
	kernelStepMetrics      = "step_metrics"
	kernelBatchReg         = "batch_regularization"
	kernelUpdateGains      = "update_gains"
	kernelUpdateCoefs      = "update_coefs"
	kernelBatchMetrics     = "batch_metrics"
)

// kernel is one compute entry point and the number of threads it needs.
type kernel struct {
	name    string
	body    string
	threads int
}

func f32Lit(v float32) string {
	return strconv.FormatFloat(float64(v), 'e', -1, 32) + "f"
}

func boolLit(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// header declares the shared bindings, the shape and hyperparameter
// constants, arena offsets and helper functions.
func header(l *layout, cfg *config.Algorithm, workgroup uint32) string {
	var b strings.Builder
	b.WriteString(`
struct Params {
	epoch: u32,
	beat: u32,
	batch: u32,
	lr_scale: f32,
}

@group(0) @binding(0) var<storage, read_write> taps : array<f32>;
@group(0) @binding(1) var<storage, read_write> voxels : array<f32>;
@group(0) @binding(2) var<storage, read_write> adam : array<f32>;
@group(0) @binding(3) var<storage, read_write> ints : array<i32>;
@group(0) @binding(4) var<storage, read_write> states : array<f32>;
@group(0) @binding(5) var<storage, read> inputs : array<f32>;
@group(0) @binding(6) var<storage, read_write> meas : array<f32>;
@group(0) @binding(7) var<storage, read_write> metrics : array<f32>;
@group(0) @binding(8) var<uniform> params : Params;

`)
	u := func(name string, v int) { fmt.Fprintf(&b, "const %s: u32 = %du;\n", name, v) }
	f := func(name string, v float32) { fmt.Fprintf(&b, "const %s: f32 = %s;\n", name, f32Lit(v)) }
	c := func(name string, v bool) { fmt.Fprintf(&b, "const %s: bool = %s;\n", name, boolLit(v)) }

	fmt.Fprintf(&b, "const WORKGROUP: u32 = %du;\n", workgroup)
	u("NUM_STATES", l.States)
	u("NUM_VOXELS", l.Voxels)
	u("NUM_SENSORS", l.Sensors)
	u("NUM_STEPS", l.Steps)
	u("NUM_TAPS", l.Taps)
	u("NUM_COEFS", l.Coefs)
	u("NUM_OFFSETS", model.NumOffsets)
	u("NUM_DIRECTIONS", model.NumDirections)
	u("BATCHES_PER_EPOCH", l.BatchesPerEpoch)
	fmt.Fprintf(&b, "const NO_STATE: i32 = %d;\n", model.NoState)
	fmt.Fprintf(&b, "const MAX_DELAY: i32 = %d;\n", model.MaxDelay)

	u("GAINS", l.Gains)
	u("AP_NOW", l.ApNow)
	u("AP_LAST", l.ApLast)
	u("FIR", l.FIR)
	u("IIR", l.IIR)
	u("D_GAINS", l.DGains)
	u("COEFS", l.CoefValues)
	u("D_COEFS", l.DCoefs)
	u("AVG_DELAYS", l.AverageDelays)
	u("INITIAL_DELAYS", l.InitialDelays)
	u("SMOOTH_PEN", l.SmoothPen)
	u("DIFF_PEN", l.DiffPen)
	u("M_GAINS", l.MGains)
	u("V_GAINS", l.VGains)
	u("M_COEFS", l.MCoefs)
	u("V_COEFS", l.VCoefs)
	u("OSI", l.OSI)
	u("DELAYS", l.Delays)
	u("COUNTERS", l.Counters)
	u("X", l.X)
	u("MAPPED", l.Mapped)
	u("REG", l.Reg)
	u("REG_PEN", l.RegPen)
	u("CONTROL", l.Control)
	u("H", l.H)
	u("U", l.U)
	u("Y_DATA", l.YData)
	u("PRED", l.Pred)
	u("RES", l.Res)
	u("LOSS", l.Loss)
	u("LOSS_MSE", l.LossMSE)
	u("LOSS_MAX", l.LossMax)
	u("LOSS_BATCH", l.LossBatch)
	u("LOSS_MSE_BATCH", l.LossMSEBatch)
	u("LOSS_MAX_BATCH", l.LossMaxBatch)
	u("LOSS_SMOOTH_BATCH", l.LossSmooth)
	u("LOSS_DIFF_BATCH", l.LossDiff)
	u("ACC", l.Acc)

	f("MSE_STRENGTH", cfg.MSEStrength)
	f("MAXREG_STRENGTH", cfg.MaximumRegularizationStrength)
	f("MAXREG_THRESHOLD", cfg.MaximumRegularizationThreshold)
	f("SMOOTHNESS_STRENGTH", cfg.SmoothnessRegularizationStrength)
	f("DIFFERENCE_STRENGTH", cfg.DifferenceRegularizationStrength)
	f("CLAMP_THRESHOLD", cfg.StateClampingThreshold)
	f("COEF_UPPER", model.CoefUpperBound)
	f("COEF_LOWER", model.CoefLowerBound)
	f("BETA1", model.AdamBeta1)
	f("BETA2", model.AdamBeta2)
	f("EPSILON", model.AdamEpsilon)
	c("RECURSIVE", cfg.APDerivative != config.Simple)
	c("ADAM", cfg.Optimizer == config.Adam)
	c("FREEZE_GAINS", cfg.FreezeGains)
	c("FREEZE_DELAYS", cfg.FreezeDelays)

	b.WriteString(`
fn current_step() -> u32 {
	return u32(ints[COUNTERS]);
}

// x[t - delay] of state up, zero before the start of the beat.
fn tap_input(t: u32, delay: i32, up: u32) -> f32 {
	if (delay > 0 && u32(delay) <= t) {
		return states[X + (t - u32(delay)) * NUM_STATES + up];
	}
	return 0.0;
}

fn state_gradient(s: u32) -> f32 {
	return -MSE_STRENGTH / f32(NUM_SENSORS) * states[MAPPED + s] + MAXREG_STRENGTH * states[REG + s];
}

fn connected(v: u32, dir: u32) -> bool {
	return ints[OSI + 3u * v * NUM_OFFSETS + 3u * dir] != NO_STATE;
}

fn neighbour(v: u32, dir: u32) -> u32 {
	return u32(ints[OSI + 3u * v * NUM_OFFSETS + 3u * dir]) / 3u;
}

fn average_delay(i: u32) -> f32 {
	let a = voxels[COEFS + i];
	return f32(ints[DELAYS + i]) + (1.0 - a) / (1.0 + a);
}
`)
	return b.String()
}

// entry wraps a kernel body into a bounds-checked compute entry point.
func entry(body string) string {
	return `
@compute @workgroup_size(WORKGROUP)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let i = gid.x;
` + body + `
}
`
}

// kernels returns every kernel of the estimation pipeline.
func kernels(l *layout) []kernel {
	return []kernel{
		{kernelResetBeat, `
	if (i < NUM_STEPS * NUM_STATES) {
		states[X + i] = 0.0;
	}
	if (i < NUM_TAPS) {
		taps[AP_NOW + i] = 0.0;
		taps[AP_LAST + i] = 0.0;
		taps[FIR + i] = 0.0;
		taps[IIR + i] = 0.0;
	}
	if (i < NUM_SENSORS) {
		meas[RES + i] = 0.0;
	}
	if (i == 0u) {
		ints[COUNTERS] = 0;
	}`, max(l.Steps*l.States, l.Taps, l.Sensors)},

		{kernelResetDerivatives, `
	if (i < NUM_TAPS) {
		taps[D_GAINS + i] = 0.0;
		taps[FIR + i] = 0.0;
		taps[IIR + i] = 0.0;
	}
	if (i < NUM_COEFS) {
		voxels[D_COEFS + i] = 0.0;
		voxels[AVG_DELAYS + i] = 0.0;
		voxels[SMOOTH_PEN + i] = 0.0;
		voxels[DIFF_PEN + i] = 0.0;
	}
	if (i < NUM_STATES) {
		states[MAPPED + i] = 0.0;
		states[REG + i] = 0.0;
	}
	if (i < NUM_VOXELS) {
		states[REG_PEN + i] = 0.0;
	}`, max(l.Taps, l.Coefs, l.States)},

		{kernelInnovate, `
	if (i >= NUM_STATES) { return; }
	let t = current_step();
	let row = i * NUM_OFFSETS;
	let dir_row = (i / 3u) * NUM_DIRECTIONS;
	var acc: f32 = 0.0;
	for (var o: u32 = 0u; o < NUM_OFFSETS; o++) {
		let up = ints[OSI + row + o];
		if (up == NO_STATE) { continue; }
		let c = dir_row + o / 3u;
		let coef = voxels[COEFS + c];
		let delay = ints[DELAYS + c];
		let x_in = tap_input(t, delay, u32(up));
		let x_delayed = tap_input(t, delay + 1, u32(up));
		let y_prev = taps[AP_NOW + row + o];
		taps[AP_LAST + row + o] = y_prev;
		let y = coef * (x_in - y_prev) + x_delayed;
		taps[AP_NOW + row + o] = y;
		acc += taps[GAINS + row + o] * y;
	}
	states[X + t * NUM_STATES + i] += acc;`, l.States},

		{kernelControl, `
	if (i >= NUM_STATES) { return; }
	let t = current_step();
	let u = inputs[U + t];
	if (u == 0.0) { return; }
	states[X + t * NUM_STATES + i] += u * states[CONTROL + i];`, l.States},

		{kernelConstrain, `
	if (i >= NUM_VOXELS) { return; }
	let base = X + current_step() * NUM_STATES + 3u * i;
	let total = abs(states[base]) + abs(states[base + 1u]) + abs(states[base + 2u]);
	if (total > CLAMP_THRESHOLD) {
		let f = CLAMP_THRESHOLD / total;
		states[base] *= f;
		states[base + 1u] *= f;
		states[base + 2u] *= f;
	}`, l.Voxels},

		{kernelMeasure, `
	if (i >= NUM_SENSORS) { return; }
	let t = current_step();
	let h_row = H + (params.beat * NUM_SENSORS + i) * NUM_STATES;
	let x_row = X + t * NUM_STATES;
	var sum: f32 = 0.0;
	for (var s: u32 = 0u; s < NUM_STATES; s++) {
		sum += inputs[h_row + s] * states[x_row + s];
	}
	let idx = (params.beat * NUM_STEPS + t) * NUM_SENSORS + i;
	meas[PRED + idx] = sum;
	meas[RES + i] = inputs[Y_DATA + idx] - sum;`, l.Sensors},

		{kernelMapResiduals, `
	if (i >= NUM_STATES) { return; }
	let h_beat = H + params.beat * NUM_SENSORS * NUM_STATES;
	var sum: f32 = 0.0;
	for (var j: u32 = 0u; j < NUM_SENSORS; j++) {
		sum += inputs[h_beat + j * NUM_STATES + i] * meas[RES + j];
	}
	states[MAPPED + i] = sum;`, l.States},

		{kernelMaxReg, `
	if (i >= NUM_VOXELS) { return; }
	let base = X + current_step() * NUM_STATES + 3u * i;
	let total = abs(states[base]) + abs(states[base + 1u]) + abs(states[base + 2u]);
	if (total > MAXREG_THRESHOLD) {
		let excess = total - MAXREG_THRESHOLD;
		states[REG_PEN + i] = excess * excess;
		for (var k: u32 = 0u; k < 3u; k++) {
			states[REG + 3u * i + k] = excess * sign(states[base + k]);
		}
	} else {
		states[REG_PEN + i] = 0.0;
		for (var k: u32 = 0u; k < 3u; k++) {
			states[REG + 3u * i + k] = 0.0;
		}
	}`, l.Voxels},

		{kernelGainsGrad, `
	if (i >= NUM_TAPS) { return; }
	let g = state_gradient(i / NUM_OFFSETS);
	if (g == 0.0) { return; }
	taps[D_GAINS + i] += taps[AP_NOW + i] * g;`, l.Taps},

		{kernelCoefsGrad, `
	if (i >= NUM_VOXELS) { return; }
	let t = current_step();
	let dir_row = i * NUM_DIRECTIONS;
	for (var s: u32 = 3u * i; s < 3u * i + 3u; s++) {
		let g = state_gradient(s);
		let row = s * NUM_OFFSETS;
		for (var o: u32 = 0u; o < NUM_OFFSETS; o++) {
			let up = ints[OSI + row + o];
			if (up == NO_STATE) { continue; }
			let c = dir_row + o / 3u;
			let a = voxels[COEFS + c];
			let x_in = tap_input(t, ints[DELAYS + c], u32(up));
			if (RECURSIVE) {
				taps[FIR + row + o] = x_in - a * taps[FIR + row + o];
				taps[IIR + row + o] = -taps[AP_LAST + row + o] - a * taps[IIR + row + o];
			} else {
				taps[FIR + row + o] = x_in;
				taps[IIR + row + o] = -taps[AP_LAST + row + o];
			}
			voxels[D_COEFS + c] += taps[GAINS + row + o] * (taps[FIR + row + o] + taps[IIR + row + o]) * g;
		}
	}`, l.Voxels},

		{kernelStepMetrics, `
	if (i != 0u) { return; }
	let t = current_step();
	var mse: f32 = 0.0;
	for (var j: u32 = 0u; j < NUM_SENSORS; j++) {
		let r = meas[RES + j];
		mse += r * r;
	}
	mse /= f32(NUM_SENSORS);
	var max_sum: f32 = 0.0;
	for (var v: u32 = 0u; v < NUM_VOXELS; v++) {
		max_sum += states[REG_PEN + v];
	}
	let loss = MSE_STRENGTH * mse + MAXREG_STRENGTH * max_sum;
	let idx = params.epoch * NUM_STEPS + t;
	metrics[LOSS + idx] = loss;
	metrics[LOSS_MSE + idx] = mse;
	metrics[LOSS_MAX + idx] = max_sum;
	metrics[ACC] += loss;
	metrics[ACC + 1u] += mse;
	metrics[ACC + 2u] += max_sum;
	metrics[ACC + 3u] += 1.0;
	ints[COUNTERS] = i32(t + 1u);`, 1},

		{kernelBatchReg, `
	if (i >= NUM_COEFS) { return; }
	let v = i / NUM_DIRECTIONS;
	let dir = i % NUM_DIRECTIONS;
	let avg = average_delay(i);
	voxels[AVG_DELAYS + i] = avg;
	voxels[SMOOTH_PEN + i] = 0.0;
	voxels[DIFF_PEN + i] = 0.0;
	if (!connected(v, dir)) { return; }
	let a = voxels[COEFS + i];
	let da = -2.0 / ((1.0 + a) * (1.0 + a));
	if (SMOOTHNESS_STRENGTH != 0.0) {
		var diff_sum: f32 = 0.0;
		var penalty: f32 = 0.0;
		for (var nd: u32 = 0u; nd < NUM_DIRECTIONS; nd++) {
			if (!connected(v, nd)) { continue; }
			let w = neighbour(v, nd);
			if (!connected(w, dir)) { continue; }
			let diff = avg - average_delay(w * NUM_DIRECTIONS + dir);
			diff_sum += diff;
			penalty += diff * diff;
		}
		voxels[SMOOTH_PEN + i] = SMOOTHNESS_STRENGTH * penalty;
		voxels[D_COEFS + i] += 4.0 * SMOOTHNESS_STRENGTH * diff_sum * da;
	}
	if (DIFFERENCE_STRENGTH != 0.0) {
		let diff = avg - voxels[INITIAL_DELAYS + i];
		voxels[DIFF_PEN + i] = DIFFERENCE_STRENGTH * diff * diff;
		voxels[D_COEFS + i] += 2.0 * DIFFERENCE_STRENGTH * diff * da;
	}`, l.Coefs},

		{kernelUpdateGains, `
	if (i >= NUM_TAPS) { return; }
	let grad = taps[D_GAINS + i];
	if (ADAM) {
		let t = f32(ints[COUNTERS + 1u] + 1);
		let m = BETA1 * adam[M_GAINS + i] + (1.0 - BETA1) * grad;
		let v = BETA2 * adam[V_GAINS + i] + (1.0 - BETA2) * grad * grad;
		adam[M_GAINS + i] = m;
		adam[V_GAINS + i] = v;
		let m_hat = m / (1.0 - pow(BETA1, t));
		let v_hat = v / (1.0 - pow(BETA2, t));
		taps[GAINS + i] -= params.lr_scale * m_hat / (sqrt(v_hat) + EPSILON);
	} else {
		taps[GAINS + i] -= params.lr_scale * grad;
	}`, l.Taps},

		{kernelUpdateCoefs, `
	if (i >= NUM_COEFS) { return; }
	let grad = voxels[D_COEFS + i];
	var a = voxels[COEFS + i];
	if (ADAM) {
		let t = f32(ints[COUNTERS + 2u] + 1);
		let m = BETA1 * adam[M_COEFS + i] + (1.0 - BETA1) * grad;
		let v = BETA2 * adam[V_COEFS + i] + (1.0 - BETA2) * grad * grad;
		adam[M_COEFS + i] = m;
		adam[V_COEFS + i] = v;
		let m_hat = m / (1.0 - pow(BETA1, t));
		let v_hat = v / (1.0 - pow(BETA2, t));
		a -= params.lr_scale * m_hat / (sqrt(v_hat) + EPSILON);
	} else {
		a -= params.lr_scale * grad;
	}
	var d = ints[DELAYS + i];
	if (a > COEF_UPPER) {
		if (d > 0) {
			a = COEF_LOWER;
			d -= 1;
		} else {
			a = COEF_UPPER;
		}
	} else if (a < COEF_LOWER) {
		if (d < MAX_DELAY) {
			a = COEF_UPPER;
			d += 1;
		} else {
			a = COEF_LOWER;
		}
	}
	voxels[COEFS + i] = a;
	ints[DELAYS + i] = d;`, l.Coefs},

		{kernelBatchMetrics, `
	if (i != 0u) { return; }
	let idx = params.epoch * BATCHES_PER_EPOCH + params.batch;
	var n = metrics[ACC + 3u];
	if (n == 0.0) { n = 1.0; }
	var smooth_sum: f32 = 0.0;
	var diff_sum: f32 = 0.0;
	for (var c: u32 = 0u; c < NUM_COEFS; c++) {
		smooth_sum += voxels[SMOOTH_PEN + c];
		diff_sum += voxels[DIFF_PEN + c];
	}
	metrics[LOSS_MSE_BATCH + idx] = metrics[ACC + 1u] / n;
	metrics[LOSS_MAX_BATCH + idx] = metrics[ACC + 2u] / n;
	metrics[LOSS_SMOOTH_BATCH + idx] = smooth_sum;
	metrics[LOSS_DIFF_BATCH + idx] = diff_sum;
	metrics[LOSS_BATCH + idx] = metrics[ACC] / n + smooth_sum + diff_sum;
	for (var k: u32 = 0u; k < 4u; k++) {
		metrics[ACC + k] = 0.0;
	}
	if (ADAM && !FREEZE_GAINS) {
		ints[COUNTERS + 1u] += 1;
	}
	if (ADAM && !FREEZE_DELAYS) {
		ints[COUNTERS + 2u] += 1;
	}`, 1},
	}
}

// shaderSource returns the complete WGSL module of one kernel.
func shaderSource(l *layout, cfg *config.Algorithm, workgroup uint32, k kernel) string {
	return header(l, cfg, workgroup) + entry(k.body)
}
