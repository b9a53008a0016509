package gpu

import (
	"fmt"
	"math"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/engine"
	"github.com/openfluke/cardioloom/model"
)

// Backend mirrors the CPU estimation epoch on a WebGPU device. Every step
// is a fixed sequence of dispatches inside one compute pass per beat; the
// step index lives in a device counter so no host round trip is needed
// until results are read back.
type Backend struct {
	ctx       *Context
	cfg       *config.Algorithm
	lay       layout
	results   *engine.Results
	scheduler engine.LRScheduler
	order     *engine.BeatOrder
	workgroup uint32

	arenas    [bindParams]*wgpu.Buffer
	params    *wgpu.Buffer
	bgl       *wgpu.BindGroupLayout
	pl        *wgpu.PipelineLayout
	bindGroup *wgpu.BindGroup
	pipelines map[string]*wgpu.ComputePipeline
	threads   map[string]int
}

// checkSupported rejects configurations that only the CPU backend runs.
func checkSupported(cfg *config.Algorithm) error {
	switch {
	case cfg.AlgorithmType == config.PseudoInverse:
		return fmt.Errorf("%w: pseudo inverse runs on the cpu backend only", ErrUnsupported)
	case cfg.UpdateKalmanGain || cfg.ApplySystemUpdate:
		return fmt.Errorf("%w: kalman filtering runs on the cpu backend only", ErrUnsupported)
	}
	return nil
}

// NewBackend uploads fd and data to the device and compiles the kernels.
// fd is cloned.
func NewBackend(fd *model.FunctionalDescription, data *engine.Data, cfg *config.Algorithm) (*Backend, error) {
	if err := checkSupported(cfg); err != nil {
		return nil, err
	}
	results, err := engine.NewResults(fd, data, cfg)
	if err != nil {
		return nil, err
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}

	b := &Backend{
		ctx:       c,
		cfg:       cfg,
		results:   results,
		scheduler: engine.NewScheduler(cfg),
		order:     engine.NewBeatOrder(cfg, results.Beats),
		workgroup: max(c.Report.Recommended.WorkgroupX, 1),
		pipelines: make(map[string]*wgpu.ComputePipeline),
		threads:   make(map[string]int),
	}
	b.lay = newLayout(fd.NumStates(), fd.NumSensors(), results.Steps, results.Beats,
		cfg.Epochs, results.Metrics.BatchesPerEpoch, cfg.Optimizer == config.Adam)
	if err := c.Report.CheckCapacity(b.lay.largestArena(), b.lay.maxThreads()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupported, err)
	}

	if err := b.allocate(data); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.compile(); err != nil {
		b.Close()
		return nil, err
	}
	if Debug {
		Log("backend ready: %d states, %d sensors, %d steps, %d beats", b.lay.States, b.lay.Sensors, b.lay.Steps, b.lay.Beats)
	}
	return b, nil
}

func (b *Backend) Name() string { return "gpu" }

// allocate creates the arenas with the initial model, data and zeroed
// estimations.
func (b *Backend) allocate(data *engine.Data) error {
	l := &b.lay
	fd := b.results.Model
	ap := fd.AP

	taps := make([]float32, l.TapsLen)
	copy(taps[l.Gains:], ap.Gains.Data)

	voxels := make([]float32, l.VoxelsLen)
	copy(voxels[l.CoefValues:], ap.Coefs.Data)
	copy(voxels[l.InitialDelays:], ap.InitialDelays.Data)

	ints := make([]int32, l.IntsLen)
	copy(ints[l.OSI:], ap.OutputStateIndices.Data)
	copy(ints[l.Delays:], ap.Delays.Data)

	states := make([]float32, l.StatesLen)
	copy(states[l.Control:], fd.ControlMatrix.Data)

	inputs := make([]float32, l.InputsLen)
	copy(inputs[l.H:l.U], fd.MeasurementMatrix.Data)
	copy(inputs[l.U:l.U+l.Steps], fd.ControlFunctionValues.Data)
	copy(inputs[l.YData:], data.Measurements.Data)

	var err error
	floats := map[int][]float32{
		bindTaps:    taps,
		bindVoxels:  voxels,
		bindAdam:    make([]float32, l.AdamLen),
		bindStates:  states,
		bindInputs:  inputs,
		bindMeas:    make([]float32, l.MeasLen),
		bindMetrics: make([]float32, l.MetricsLen),
	}
	for bind, values := range floats {
		if b.arenas[bind], err = NewFloatBuffer(fmt.Sprintf("arena_%d", bind), values, StorageUsage); err != nil {
			return err
		}
	}
	if b.arenas[bindInts], err = NewIntBuffer("arena_ints", ints, StorageUsage); err != nil {
		return err
	}

	b.params, err = b.ctx.Device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "params",
		Size:  16,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	return err
}

// compile builds the shared bind group and one pipeline per kernel.
func (b *Backend) compile() error {
	dev := b.ctx.Device
	entries := make([]wgpu.BindGroupLayoutEntry, numBindings)
	for i := range entries {
		typ := wgpu.BufferBindingTypeStorage
		switch i {
		case bindInputs:
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		case bindParams:
			typ = wgpu.BufferBindingTypeUniform
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer:     wgpu.BufferBindingLayout{Type: typ},
		}
	}
	var err error
	b.bgl, err = dev.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Label:   "estimation_bgl",
		Entries: entries,
	})
	if err != nil {
		return err
	}
	b.pl, err = dev.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		Label:            "estimation_pl",
		BindGroupLayouts: []*wgpu.BindGroupLayout{b.bgl},
	})
	if err != nil {
		return err
	}

	groupEntries := make([]wgpu.BindGroupEntry, numBindings)
	for i, buf := range b.arenas {
		groupEntries[i] = wgpu.BindGroupEntry{Binding: uint32(i), Buffer: buf, Size: buf.GetSize()}
	}
	groupEntries[bindParams] = wgpu.BindGroupEntry{Binding: bindParams, Buffer: b.params, Size: b.params.GetSize()}
	b.bindGroup, err = dev.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "estimation_bg",
		Layout:  b.bgl,
		Entries: groupEntries,
	})
	if err != nil {
		return err
	}

	for _, k := range kernels(&b.lay) {
		module, err := dev.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
			Label:          k.name,
			WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaderSource(&b.lay, b.cfg, b.workgroup, k)},
		})
		if err != nil {
			return fmt.Errorf("CreateShaderModule %s: %w", k.name, err)
		}
		pipeline, err := dev.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
			Label:  k.name,
			Layout: b.pl,
			Compute: wgpu.ProgrammableStageDescriptor{
				Module:     module,
				EntryPoint: "main",
			},
		})
		module.Release()
		if err != nil {
			return fmt.Errorf("CreateComputePipeline %s: %w", k.name, err)
		}
		b.pipelines[k.name] = pipeline
		b.threads[k.name] = k.threads
	}
	return nil
}

func (b *Backend) dispatch(pass *wgpu.ComputePassEncoder, name string) {
	groups := (uint32(b.threads[name]) + b.workgroup - 1) / b.workgroup
	pass.SetPipeline(b.pipelines[name])
	pass.DispatchWorkgroups(groups, 1, 1)
}

func (b *Backend) writeParams(epoch, beat, batch int, lrScale float32) {
	b.ctx.Queue.WriteBuffer(b.params, 0, wgpu.ToBytes([]uint32{
		uint32(epoch), uint32(beat), uint32(batch), math.Float32bits(lrScale),
	}))
}

// RunEpoch implements engine.Backend. Each beat is recorded into its own
// command buffer after its parameters were written to the uniform.
func (b *Backend) RunEpoch(epoch int) error {
	r, cfg := b.results, b.cfg
	lr := b.scheduler.GetLR(epoch)
	scale := lr / float32(model.BatchSize(cfg, r.Steps, r.Beats))

	order := b.order.Next()
	batch, inBatch := 0, 0
	for k, beat := range order {
		inBatch++
		finish := (cfg.BatchSize > 0 && inBatch == cfg.BatchSize) || k == len(order)-1

		b.writeParams(epoch, beat, batch, scale)
		enc, err := b.ctx.Device.CreateCommandEncoder(nil)
		if err != nil {
			return fmt.Errorf("epoch %d beat %d: %w", epoch, beat, err)
		}
		pass := enc.BeginComputePass(nil)
		pass.SetBindGroup(0, b.bindGroup, nil)

		if k == 0 {
			b.dispatch(pass, kernelResetDerivatives)
		}
		b.dispatch(pass, kernelResetBeat)
		for step := 0; step < r.Steps; step++ {
			b.dispatch(pass, kernelInnovate)
			b.dispatch(pass, kernelControl)
			if cfg.ConstrainSystemStates {
				b.dispatch(pass, kernelConstrain)
			}
			b.dispatch(pass, kernelMeasure)
			b.dispatch(pass, kernelMapResiduals)
			b.dispatch(pass, kernelMaxReg)
			b.dispatch(pass, kernelGainsGrad)
			b.dispatch(pass, kernelCoefsGrad)
			b.dispatch(pass, kernelStepMetrics)
		}
		if finish {
			b.dispatch(pass, kernelBatchReg)
			if !cfg.FreezeGains {
				b.dispatch(pass, kernelUpdateGains)
			}
			if !cfg.FreezeDelays {
				b.dispatch(pass, kernelUpdateCoefs)
			}
			b.dispatch(pass, kernelBatchMetrics)
			b.dispatch(pass, kernelResetDerivatives)
		}
		pass.End()

		cmd, err := enc.Finish(nil)
		if err != nil {
			enc.Release()
			return fmt.Errorf("epoch %d beat %d: %w", epoch, beat, err)
		}
		enc.Release()
		b.ctx.Queue.Submit(cmd)
		cmd.Release()

		if finish {
			batch++
			inBatch = 0
		}
	}

	if engine.Verbose {
		losses, err := ReadBuffer(b.arenas[bindMetrics], b.lay.MetricsLen)
		if err != nil {
			return err
		}
		var sum float32
		bpe := b.lay.BatchesPerEpoch
		for i := 0; i < bpe; i++ {
			sum += losses[b.lay.LossBatch+epoch*bpe+i]
		}
		fmt.Printf("Epoch %d/%d (gpu) - Loss: %.6f - LR: %.4g\n", epoch+1, r.Epochs, sum/float32(bpe), lr)
	}
	return nil
}

// Results downloads the device state into the results and returns them.
func (b *Backend) Results() (*engine.Results, error) {
	l := &b.lay
	r := b.results
	ap := r.Model.AP
	est, d, m := r.Estimations, r.Derivatives, r.Metrics

	taps, err := ReadBuffer(b.arenas[bindTaps], l.TapsLen)
	if err != nil {
		return nil, err
	}
	copy(ap.Gains.Data, taps[l.Gains:l.Gains+l.Taps])
	copy(est.ApOutputsNow.Data, taps[l.ApNow:l.ApNow+l.Taps])
	copy(est.ApOutputsLast.Data, taps[l.ApLast:l.ApLast+l.Taps])
	copy(d.CoefsFIR.Data, taps[l.FIR:l.FIR+l.Taps])
	copy(d.CoefsIIR.Data, taps[l.IIR:l.IIR+l.Taps])
	copy(d.Gains.Data, taps[l.DGains:l.DGains+l.Taps])

	voxels, err := ReadBuffer(b.arenas[bindVoxels], l.VoxelsLen)
	if err != nil {
		return nil, err
	}
	copy(ap.Coefs.Data, voxels[l.CoefValues:l.CoefValues+l.Coefs])
	copy(d.Coefs.Data, voxels[l.DCoefs:l.DCoefs+l.Coefs])
	copy(d.AverageDelays.Data, voxels[l.AverageDelays:l.AverageDelays+l.Coefs])
	d.SmoothnessRegularizationSum, d.DifferenceRegularizationSum = 0, 0
	for i := 0; i < l.Coefs; i++ {
		d.SmoothnessRegularizationSum += voxels[l.SmoothPen+i]
		d.DifferenceRegularizationSum += voxels[l.DiffPen+i]
	}

	ints, err := ReadIntBuffer(b.arenas[bindInts], l.IntsLen)
	if err != nil {
		return nil, err
	}
	copy(ap.Delays.Data, ints[l.Delays:l.Delays+l.Coefs])

	states, err := ReadBuffer(b.arenas[bindStates], l.StatesLen)
	if err != nil {
		return nil, err
	}
	copy(est.SystemStates.Data, states[l.X:l.X+l.Steps*l.States])
	copy(d.MappedResiduals.Data, states[l.Mapped:l.Mapped+l.States])
	copy(d.MaximumRegularization.Data, states[l.Reg:l.Reg+l.States])
	d.MaximumRegularizationSum = 0
	for v := 0; v < l.Voxels; v++ {
		d.MaximumRegularizationSum += states[l.RegPen+v]
	}

	meas, err := ReadBuffer(b.arenas[bindMeas], l.MeasLen)
	if err != nil {
		return nil, err
	}
	copy(est.Measurements.Data, meas[l.Pred:l.Pred+l.Beats*l.Steps*l.Sensors])
	copy(est.Residuals.Data, meas[l.Res:l.Res+l.Sensors])

	metrics, err := ReadBuffer(b.arenas[bindMetrics], l.MetricsLen)
	if err != nil {
		return nil, err
	}
	stepSeries, batchSeries := l.Epochs*l.Steps, l.Epochs*l.BatchesPerEpoch
	copy(m.Loss.Data, metrics[l.Loss:l.Loss+stepSeries])
	copy(m.LossMSE.Data, metrics[l.LossMSE:l.LossMSE+stepSeries])
	copy(m.LossMaximumRegularization.Data, metrics[l.LossMax:l.LossMax+stepSeries])
	copy(m.LossBatch.Data, metrics[l.LossBatch:l.LossBatch+batchSeries])
	copy(m.LossMSEBatch.Data, metrics[l.LossMSEBatch:l.LossMSEBatch+batchSeries])
	copy(m.LossMaximumRegularizationBatch.Data, metrics[l.LossMaxBatch:l.LossMaxBatch+batchSeries])
	copy(m.LossSmoothnessBatch.Data, metrics[l.LossSmooth:l.LossSmooth+batchSeries])
	copy(m.LossDifferenceBatch.Data, metrics[l.LossDiff:l.LossDiff+batchSeries])

	if b.cfg.Optimizer == config.Adam {
		moments, err := ReadBuffer(b.arenas[bindAdam], l.AdamLen)
		if err != nil {
			return nil, err
		}
		if opt, ok := d.Optimizers.Gains.(*model.AdamOptimizer); ok {
			opt.Restore(moments[l.MGains:l.MGains+l.Taps], moments[l.VGains:l.VGains+l.Taps], int(ints[l.Counters+counterAdamGains]))
		}
		if opt, ok := d.Optimizers.Coefs.(*model.AdamOptimizer); ok {
			opt.Restore(moments[l.MCoefs:l.MCoefs+l.Coefs], moments[l.VCoefs:l.VCoefs+l.Coefs], int(ints[l.Counters+counterAdamCoefs]))
		}
	}
	return r, nil
}

// Close releases every device resource.
func (b *Backend) Close() {
	for name, p := range b.pipelines {
		p.Release()
		delete(b.pipelines, name)
	}
	if b.bindGroup != nil {
		b.bindGroup.Release()
		b.bindGroup = nil
	}
	if b.pl != nil {
		b.pl.Release()
		b.pl = nil
	}
	if b.bgl != nil {
		b.bgl.Release()
		b.bgl = nil
	}
	for i, buf := range b.arenas {
		if buf != nil {
			buf.Destroy()
			b.arenas[i] = nil
		}
	}
	if b.params != nil {
		b.params.Destroy()
		b.params = nil
	}
}
