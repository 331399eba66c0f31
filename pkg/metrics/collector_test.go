package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeQueue struct {
	depth int
	state string
}

func (f *fakeQueue) QueueDepth() int      { return f.depth }
func (f *fakeQueue) CircuitState() string { return f.state }

type fakeProjects struct {
	statuses map[string]bool
}

func (f *fakeProjects) ProjectStatuses() map[string]bool { return f.statuses }

func TestCollectorSamplesQueue(t *testing.T) {
	c := NewCollector(&fakeQueue{depth: 4, state: "open"}, nil)
	c.collect()

	if got := testutil.ToFloat64(BatchQueueDepth); got != 4 {
		t.Errorf("queue depth gauge = %v, want 4", got)
	}
	if got := testutil.ToFloat64(CircuitState); got != 2 {
		t.Errorf("circuit state gauge = %v, want 2 (open)", got)
	}
}

func TestCollectorSamplesProjects(t *testing.T) {
	c := NewCollector(nil, &fakeProjects{statuses: map[string]bool{
		"api":    true,
		"worker": false,
	}})
	c.collect()

	if got := testutil.ToFloat64(ProjectUp.WithLabelValues("api")); got != 1 {
		t.Errorf("project_up{api} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(ProjectUp.WithLabelValues("worker")); got != 0 {
		t.Errorf("project_up{worker} = %v, want 0", got)
	}
}

func TestCollectorToleratesNilSamplers(t *testing.T) {
	c := NewCollector(nil, nil)
	c.collect() // must not panic
}

func TestCircuitStateValue(t *testing.T) {
	cases := map[string]float64{
		"closed":    0,
		"half-open": 1,
		"open":      2,
		"anything":  0,
	}
	for state, want := range cases {
		if got := circuitStateValue(state); got != want {
			t.Errorf("circuitStateValue(%q) = %v, want %v", state, got, want)
		}
	}
}
