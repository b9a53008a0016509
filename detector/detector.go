package detector

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/openfluke/webgpu/wgpu"
)

// DefaultMaxStorageBufferBindingSize is the WebGPU default limit a device
// gets when it is requested without explicit limits.
const DefaultMaxStorageBufferBindingSize uint64 = 128 << 20

// Report is a portable summary of the current adapter/device caps.
type Report struct {
	WhenISO     string            `json:"when_iso"`
	Runtime     string            `json:"runtime"`
	Backend     string            `json:"backend"`
	AdapterType string            `json:"adapter_type"`
	VendorID    string            `json:"vendor_id_hex"`
	DeviceID    string            `json:"device_id_hex"`
	Name        string            `json:"name"`
	Driver      string            `json:"driver"`
	Recommended Recommendations   `json:"recommended"`
	Limits      Limits            `json:"limits"`
	Features    []string          `json:"features"`
	Env         map[string]string `json:"env,omitempty"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBuffersPerShaderStage   uint32 `json:"max_storage_buffers_per_shader_stage"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

type Recommendations struct {
	// 1D workgroup size used by every estimation kernel.
	WorkgroupX uint32 `json:"workgroup_x"`

	// Largest storage binding the estimation arenas may use.
	BudgetBytes uint64 `json:"budget_bytes"`
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON() (string, error) {
	rep, err := Detect()
	if err != nil {
		return "", err
	}
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect probes the default high performance adapter and synthesizes a
// report.
func Detect() (*Report, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	return FromAdapter(adapter), nil
}

// FromAdapter builds a report for an adapter the caller already holds.
func FromAdapter(adapter *wgpu.Adapter) *Report {
	info := adapter.GetInfo()
	limits := adapter.GetLimits()

	var feats []string
	for _, f := range adapter.EnumerateFeatures() {
		feats = append(feats, featureName(f))
	}

	budget := DefaultMaxStorageBufferBindingSize
	if limits.Limits.MaxStorageBufferBindingSize > 0 && limits.Limits.MaxStorageBufferBindingSize < budget {
		budget = limits.Limits.MaxStorageBufferBindingSize
	}
	if mbStr := os.Getenv("CARDIOLOOM_BUDGET_MB"); mbStr != "" {
		if mb, err := strconv.Atoi(mbStr); err == nil && mb > 0 && uint64(mb)<<20 < budget {
			budget = uint64(mb) << 20
		}
	}

	return &Report{
		WhenISO:     time.Now().UTC().Format(time.RFC3339),
		Runtime:     detectRuntime(),
		Backend:     backendName(info.BackendType),
		AdapterType: adapterTypeName(info.AdapterType),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Name:        strings.TrimSpace(info.Name),
		Driver:      strings.TrimSpace(info.DriverDescription),
		Limits: Limits{
			MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
			MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
			MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
			MaxStorageBuffersPerShaderStage:   limits.Limits.MaxStorageBuffersPerShaderStage,
			MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
			MaxBufferSize:                     limits.Limits.MaxBufferSize,
		},
		Features: feats,
		Recommended: Recommendations{
			WorkgroupX:  ChooseWorkgroup(limits.Limits.MaxComputeWorkgroupSizeX, limits.Limits.MaxComputeInvocationsPerWorkgroup),
			BudgetBytes: budget,
		},
		Env: pickEnv([]string{"CARDIOLOOM_BUDGET_MB", "CARDIOLOOM_ADAPTER"}),
	}
}

// CheckCapacity reports whether a storage binding of the given size and a
// dispatch of the given number of threads fit the recommendations.
func (r *Report) CheckCapacity(bindingBytes uint64, threads int) error {
	if bindingBytes > r.Recommended.BudgetBytes {
		return fmt.Errorf("storage binding of %d bytes exceeds budget of %d bytes", bindingBytes, r.Recommended.BudgetBytes)
	}
	maxGroups := uint64(r.Limits.MaxComputeWorkgroupsPerDimension)
	if maxGroups == 0 {
		maxGroups = 65535
	}
	wg := uint64(r.Recommended.WorkgroupX)
	if wg == 0 {
		wg = 1
	}
	if groups := (uint64(threads) + wg - 1) / wg; groups > maxGroups {
		return fmt.Errorf("dispatch of %d workgroups exceeds limit of %d", groups, maxGroups)
	}
	return nil
}

/* ---------- helpers ---------- */

// ChooseWorkgroup picks the largest power of two up to 256 that the
// device limits allow.
func ChooseWorkgroup(maxX, maxTotal uint32) uint32 {
	candidates := []uint32{256, 128, 64, 32, 16, 8, 4, 1}
	for _, c := range candidates {
		if c <= maxX && c <= maxTotal {
			return c
		}
	}
	return 1
}

func featureName(f wgpu.FeatureName) string     { return f.String() }
func backendName(b wgpu.BackendType) string     { return b.String() }
func adapterTypeName(t wgpu.AdapterType) string { return t.String() }

func detectRuntime() string {
	if runtime.GOOS == "js" {
		return "wasm"
	}
	return "native"
}

func pickEnv(keys []string) map[string]string {
	out := map[string]string{}
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
