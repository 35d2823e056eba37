package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/metrics"
)

// Admission bounds in-flight invocations across all agents. Admit and
// Release pair one-to-one: release is called iff the matching admit
// succeeded.
type Admission struct {
	max     int
	metrics *metrics.Metrics
	logger  *logger.Logger

	mu      sync.Mutex
	current int
}

// NewAdmission creates the counter with the given cap.
func NewAdmission(max int, m *metrics.Metrics, log *logger.Logger) *Admission {
	return &Admission{
		max:     max,
		metrics: m,
		logger:  log.WithFields(zap.String("component", "admission")),
	}
}

// Admit reserves one invocation slot. Reports false when the cap is reached.
func (a *Admission) Admit() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.max {
		if a.metrics != nil {
			a.metrics.AdmissionRefused.Inc()
		}
		return false
	}
	a.current++
	return true
}

// Release frees one slot. The counter never goes below zero; an unpaired
// release is a bug and is logged.
func (a *Admission) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current == 0 {
		a.logger.Error("admission release without matching admit")
		return
	}
	a.current--
}

// Current returns the number of admitted invocations.
func (a *Admission) Current() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}
