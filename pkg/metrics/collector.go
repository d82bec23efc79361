package metrics

import (
	"context"
	"time"

	"github.com/opensandbox/sandboxd/pkg/lifecycle"
	"github.com/opensandbox/sandboxd/pkg/types"
)

var allStates = []types.SandboxState{
	types.StatePending,
	types.StateRunning,
	types.StatePaused,
	types.StateTerminated,
	types.StateFailed,
}

// Collector periodically polls one or more lifecycle engines and republishes
// their sandbox population as gauges, independent of whatever triggered the
// count change (an API call, the expiration ticker, a Restore at startup).
type Collector struct {
	engines map[types.RuntimeType]*lifecycle.Engine
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector over the given engines.
func NewCollector(engines map[types.RuntimeType]*lifecycle.Engine) *Collector {
	return &Collector{
		engines: engines,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics on a fixed interval.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
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

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for runtime, engine := range c.engines {
		c.collectSandboxMetrics(ctx, runtime, engine)
	}
}

// collectSandboxMetrics counts sandboxes per state. List's pagination caps a
// single page at 200, so a runtime holding more than 200 sandboxes in one
// state will under-report here; revisit with an unpaginated count path if
// that ever becomes a real deployment size.
func (c *Collector) collectSandboxMetrics(ctx context.Context, runtime types.RuntimeType, engine *lifecycle.Engine) {
	for _, state := range allStates {
		infos, err := engine.List(ctx, lifecycle.Filter{States: []types.SandboxState{state}, PageSize: 200})
		if err != nil {
			continue
		}
		SandboxesTotal.WithLabelValues(string(runtime), string(state)).Set(float64(len(infos)))
	}
}
