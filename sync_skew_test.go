package boardcount

import (
	"testing"
)

// permutations returns every ordering of samples.
func permutations(samples []SyncSample) [][]SyncSample {
	if len(samples) <= 1 {
		return [][]SyncSample{append([]SyncSample(nil), samples...)}
	}
	var result [][]SyncSample
	for i := range samples {
		rest := make([]SyncSample, 0, len(samples)-1)
		rest = append(rest, samples[:i]...)
		rest = append(rest, samples[i+1:]...)
		for _, p := range permutations(rest) {
			result = append(result, append([]SyncSample{samples[i]}, p...))
		}
	}
	return result
}

func TestAggregateOrderIndependent(t *testing.T) {
	tests := []struct {
		samples []SyncSample
		want    SyncSkewReport
	}{
		{[]SyncSample{{1, 100, true}, {2, 100, true}, {3, 100, true}}, SyncSkewReport{3, 100, 100}},
		{[]SyncSample{{1, -5, true}, {2, 7, true}, {3, 3, true}, {4, 1000, false}}, SyncSkewReport{3, -5, 7}},
		{[]SyncSample{{0, 2147483647, true}, {1, -2147483648, true}}, SyncSkewReport{2, -2147483648, 2147483647}},
	}
	for _, test := range tests {
		for _, p := range permutations(test.samples) {
			if got := Aggregate(p); got != test.want {
				t.Errorf("Aggregate(%v) = %+v, want %+v", p, got, test.want)
			}
		}
	}
}

func TestAggregateInvalidEntries(t *testing.T) {
	r := Aggregate([]SyncSample{{1, 999, false}, {2, 50, true}, {3, 70, true}})
	if want := (SyncSkewReport{Count: 2, Min: 50, Max: 70}); r != want {
		t.Errorf("Aggregate = %+v, want %+v", r, want)
	}
	if s, ok := r.Spread(); !ok || s != 20 {
		t.Errorf("Spread() = %d, %t, want 20, true", s, ok)
	}

	for _, samples := range [][]SyncSample{nil, {}, {{1, 4, false}, {2, 5, false}}} {
		r := Aggregate(samples)
		if r.Count != 0 || r.HasValues() {
			t.Errorf("Aggregate(%v) = %+v, want an empty report", samples, r)
		}
		if _, ok := r.Spread(); ok {
			t.Errorf("Aggregate(%v).Spread() is ok, want not ok", samples)
		}
	}
}

func TestSpreadDoesNotOverflow(t *testing.T) {
	r := SyncSkewReport{Count: 2, Min: -2147483648, Max: 2147483647}
	if s, _ := r.Spread(); s != 4294967295 {
		t.Errorf("Spread() = %d, want 4294967295", s)
	}
}

func TestAggregateDoesNotAllocate(t *testing.T) {
	samples := []SyncSample{{1, 10, true}, {2, 11, true}, {3, 9, false}}
	allocs := testing.AllocsPerRun(100, func() {
		Aggregate(samples)
	})
	if allocs != 0 {
		t.Errorf("Aggregate allocates %.1f times per call, want 0", allocs)
	}
}
