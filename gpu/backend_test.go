package gpu

import (
	"errors"
	"strings"
	"testing"

	"github.com/openfluke/cardioloom/config"
	"github.com/openfluke/cardioloom/engine"
	"github.com/openfluke/cardioloom/engine/enginetest"
	"github.com/openfluke/cardioloom/model"
)

func TestGPUConformance(t *testing.T) {
	if err := EnsureGPU(); err != nil {
		t.Skipf("no GPU available: %v", err)
	}
	enginetest.Run(t, func(fd *model.FunctionalDescription, data *engine.Data, cfg *config.Algorithm) (engine.Backend, error) {
		return NewBackend(fd, data, cfg)
	})
}

func TestGPUSnapshotsAndConstrain(t *testing.T) {
	if err := EnsureGPU(); err != nil {
		t.Skipf("no GPU available: %v", err)
	}
	sc := enginetest.NewScenario(t, 20, 2, 0.5)
	cfg := enginetest.Algorithm(2)
	cfg.SnapshotsInterval = 1
	cfg.ConstrainSystemStates = true

	b, err := NewBackend(sc.Start, sc.Data, &cfg)
	if err != nil {
		t.Fatalf("NewBackend failed: %v", err)
	}
	defer b.Close()
	r, err := engine.Run(b, &cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(r.Snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(r.Snapshots))
	}
	if r.Snapshots[0].LossBatch == r.Snapshots[1].LossBatch {
		t.Errorf("snapshots carry the same loss %g", r.Snapshots[0].LossBatch)
	}
}

func TestUnsupportedConfigurations(t *testing.T) {
	sc := enginetest.NewScenario(t, 5, 1, 1)
	cases := map[string]func(*config.Algorithm){
		"pseudo_inverse": func(c *config.Algorithm) { c.AlgorithmType = config.PseudoInverse },
		"kalman_gain":    func(c *config.Algorithm) { c.UpdateKalmanGain = true },
		"system_update":  func(c *config.Algorithm) { c.ApplySystemUpdate = true },
	}
	for name, mutate := range cases {
		cfg := enginetest.Algorithm(1)
		mutate(&cfg)
		if _, err := NewBackend(sc.Start, sc.Data, &cfg); !errors.Is(err, ErrUnsupported) {
			t.Errorf("%s: expected ErrUnsupported, got %v", name, err)
		}
	}
}

func TestLayoutArenasDoNotOverlap(t *testing.T) {
	l := newLayout(24, 8, 50, 3, 4, 2, true)

	type span struct {
		name       string
		start, len int
	}
	check := func(arena string, total int, spans []span) {
		t.Helper()
		end := 0
		for _, s := range spans {
			if s.start != end {
				t.Errorf("%s: %s starts at %d, expected %d", arena, s.name, s.start, end)
			}
			end = s.start + s.len
		}
		if end != total {
			t.Errorf("%s: arrays end at %d, arena has %d", arena, end, total)
		}
	}

	check("taps", l.TapsLen, []span{
		{"gains", l.Gains, l.Taps}, {"now", l.ApNow, l.Taps}, {"last", l.ApLast, l.Taps},
		{"fir", l.FIR, l.Taps}, {"iir", l.IIR, l.Taps}, {"d_gains", l.DGains, l.Taps},
	})
	check("ints", l.IntsLen, []span{
		{"osi", l.OSI, l.Taps}, {"delays", l.Delays, l.Coefs}, {"counters", l.Counters, numCounters},
	})
	check("states", l.StatesLen, []span{
		{"x", l.X, 50 * 24}, {"mapped", l.Mapped, 24}, {"reg", l.Reg, 24},
		{"reg_pen", l.RegPen, 8}, {"control", l.Control, 24},
	})
	check("inputs", l.InputsLen, []span{
		{"h", l.H, 3 * 8 * 24}, {"u", l.U, 50}, {"y", l.YData, 3 * 50 * 8},
	})
	check("adam", l.AdamLen, []span{
		{"m_gains", l.MGains, l.Taps}, {"v_gains", l.VGains, l.Taps},
		{"m_coefs", l.MCoefs, l.Coefs}, {"v_coefs", l.VCoefs, l.Coefs},
	})
	if l.LossBatch+4*2 != l.LossMSEBatch {
		t.Errorf("batch series sized wrong: %d -> %d", l.LossBatch, l.LossMSEBatch)
	}

	sgd := newLayout(24, 8, 50, 3, 4, 2, false)
	if sgd.AdamLen != 1 {
		t.Errorf("expected placeholder adam arena, got %d", sgd.AdamLen)
	}
}

func TestShaderSource(t *testing.T) {
	l := newLayout(24, 8, 10, 1, 2, 1, false)
	cfg := config.DefaultAlgorithm()
	cfg.APDerivative = config.Simple

	ks := kernels(&l)
	seen := map[string]bool{}
	for _, k := range ks {
		if seen[k.name] {
			t.Errorf("duplicate kernel %s", k.name)
		}
		seen[k.name] = true
		if k.threads < 1 {
			t.Errorf("%s dispatches %d threads", k.name, k.threads)
		}
		src := shaderSource(&l, &cfg, 64, k)
		if !strings.Contains(src, "fn main(") {
			t.Errorf("%s has no entry point", k.name)
		}
		if strings.Count(src, "{") != strings.Count(src, "}") {
			t.Errorf("%s has unbalanced braces", k.name)
		}
	}
	if len(ks) != 15 {
		t.Errorf("expected 15 kernels, got %d", len(ks))
	}

	src := header(&l, &cfg, 64)
	for _, want := range []string{
		"const WORKGROUP: u32 = 64u;",
		"const NUM_STATES: u32 = 24u;",
		"const RECURSIVE: bool = false;",
		"const ADAM: bool = false;",
		"const NO_STATE: i32 = -1;",
		"const MAXREG_THRESHOLD: f32 = 1.001e+00f;",
	} {
		if !strings.Contains(src, want) {
			t.Errorf("header misses %q", want)
		}
	}
}
