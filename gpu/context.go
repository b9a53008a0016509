package gpu

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/openfluke/webgpu/wgpu"

	"github.com/openfluke/cardioloom/detector"
)

// Context holds the single WebGPU context for the process.
type Context struct {
	Instance *wgpu.Instance
	Adapter  *wgpu.Adapter
	Device   *wgpu.Device
	Queue    *wgpu.Queue
	Report   *detector.Report
	once     sync.Once
	err      error
}

var ctx Context

// preferredAdapter reports whether an adapter matches CARDIOLOOM_ADAPTER,
// or is an NVIDIA part when the variable is unset.
func preferredAdapter(name, vendor string) bool {
	want := strings.ToLower(os.Getenv("CARDIOLOOM_ADAPTER"))
	if want == "" {
		want = "nvidia"
	}
	return strings.Contains(strings.ToLower(name), want) ||
		strings.Contains(strings.ToLower(vendor), want)
}

// GetContext returns the singleton GPU context, initializing it if necessary.
func GetContext() (*Context, error) {
	ctx.once.Do(func() {
		ctx.err = initContext()
	})
	if ctx.err != nil {
		return nil, ctx.err
	}
	if ctx.Device == nil || ctx.Queue == nil {
		return nil, fmt.Errorf("%w: device or queue not initialized", ErrNoGPU)
	}
	return &ctx, nil
}

func initContext() error {
	ctx.Instance = wgpu.CreateInstance(nil)
	if ctx.Instance == nil {
		return fmt.Errorf("%w: failed to create WebGPU instance", ErrNoGPU)
	}

	for _, a := range ctx.Instance.EnumerateAdapters(nil) {
		info := a.GetInfo()
		if Debug {
			Log("adapter %s (vendor %s, device 0x%X)", info.Name, info.VendorName, info.DeviceId)
		}
		if preferredAdapter(info.Name, info.VendorName) {
			ctx.Adapter = a
			break
		}
	}

	var err error
	for _, opts := range []*wgpu.RequestAdapterOptions{
		{PowerPreference: wgpu.PowerPreferenceHighPerformance},
		{PowerPreference: wgpu.PowerPreferenceLowPower},
		nil,
	} {
		if ctx.Adapter != nil {
			break
		}
		ctx.Adapter, err = ctx.Instance.RequestAdapter(opts)
		if err != nil && Debug {
			Log("adapter request failed: %v", err)
		}
	}
	if ctx.Adapter == nil {
		return fmt.Errorf("%w: all adapter attempts failed: %v", ErrNoGPU, err)
	}

	ctx.Report = detector.FromAdapter(ctx.Adapter)
	if Debug {
		Log("using adapter %s (%s), workgroup %d", ctx.Report.Name, ctx.Report.Backend, ctx.Report.Recommended.WorkgroupX)
	}

	ctx.Device, err = ctx.Adapter.RequestDevice(nil)
	if err != nil {
		return fmt.Errorf("request device: %w", err)
	}
	ctx.Queue = ctx.Device.GetQueue()
	return nil
}
