package detector

import "testing"

func TestChooseWorkgroup(t *testing.T) {
	cases := []struct {
		maxX, maxTotal, want uint32
	}{
		{1024, 1024, 256},
		{256, 128, 128},
		{64, 256, 64},
		{0, 0, 1},
	}
	for _, c := range cases {
		if got := ChooseWorkgroup(c.maxX, c.maxTotal); got != c.want {
			t.Errorf("ChooseWorkgroup(%d, %d) = %d, want %d", c.maxX, c.maxTotal, got, c.want)
		}
	}
}

func TestCheckCapacity(t *testing.T) {
	r := &Report{
		Limits:      Limits{MaxComputeWorkgroupsPerDimension: 10},
		Recommended: Recommendations{WorkgroupX: 256, BudgetBytes: 1024},
	}
	if err := r.CheckCapacity(1024, 2560); err != nil {
		t.Errorf("expected capacity to fit, got %v", err)
	}
	if err := r.CheckCapacity(1025, 1); err == nil {
		t.Errorf("expected binding budget error")
	}
	if err := r.CheckCapacity(4, 2561); err == nil {
		t.Errorf("expected dispatch limit error")
	}
}
