package metrics

import (
	"time"
)

// QueueSampler exposes live orchestrator state for periodic sampling.
type QueueSampler interface {
	QueueDepth() int
	CircuitState() string
}

// ProjectSampler exposes per-project health for periodic sampling.
type ProjectSampler interface {
	ProjectStatuses() map[string]bool
}

// Collector samples gauge-style metrics from live components
type Collector struct {
	queue    QueueSampler
	projects ProjectSampler
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector. Either sampler may be
// nil when the component is disabled.
func NewCollector(queue QueueSampler, projects ProjectSampler) *Collector {
	return &Collector{
		queue:    queue,
		projects: projects,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectQueueMetrics()
	c.collectProjectMetrics()
}

func (c *Collector) collectQueueMetrics() {
	if c.queue == nil {
		return
	}
	BatchQueueDepth.Set(float64(c.queue.QueueDepth()))
	CircuitState.Set(circuitStateValue(c.queue.CircuitState()))
}

func (c *Collector) collectProjectMetrics() {
	if c.projects == nil {
		return
	}
	for project, healthy := range c.projects.ProjectStatuses() {
		if healthy {
			ProjectUp.WithLabelValues(project).Set(1)
		} else {
			ProjectUp.WithLabelValues(project).Set(0)
		}
	}
}

func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
