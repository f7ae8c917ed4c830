package dispatcher

import (
	"math/rand"
	"sync/atomic"

	"github.com/taskfleet/distribution/internal/distribution/domain"
)

// Policy is a load-balancing policy name, per spec §4.4's table.
type Policy string

const (
	PolicyRoundRobin Policy = "round_robin"
	PolicyLeastTasks Policy = "least_tasks"
	PolicyWeighted   Policy = "weighted"
	PolicyRandom     Policy = "random"
)

// candidate pairs a device with its latest heartbeat, used by the weighted
// policy.
type candidate struct {
	device    *domain.Device
	heartbeat *domain.Heartbeat
}

// selector picks one device from a working set per a given policy.
type selector struct {
	roundRobinIdx uint64
}

func newSelector() *selector { return &selector{} }

// Select applies policy to candidates (all assumed capability-filtered and
// with spare capacity already) and returns the chosen index.
func (s *selector) Select(policy Policy, candidates []candidate) int {
	switch policy {
	case PolicyRoundRobin:
		return s.selectRoundRobin(candidates)
	case PolicyWeighted:
		return s.selectWeighted(candidates)
	case PolicyRandom:
		return s.selectRandom(candidates)
	case PolicyLeastTasks:
		fallthrough
	default:
		return s.selectLeastTasks(candidates)
	}
}

func (s *selector) selectRoundRobin(candidates []candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	idx := atomic.AddUint64(&s.roundRobinIdx, 1) - 1
	return int(idx % uint64(len(candidates)))
}

// selectLeastTasks picks argmin(current_tasks); ties broken by most recent
// heartbeat, per spec §4.4.
func (s *selector) selectLeastTasks(candidates []candidate) int {
	best := -1
	for i, c := range candidates {
		if best == -1 {
			best = i
			continue
		}
		b := candidates[best]
		if c.device.CurrentTasks < b.device.CurrentTasks {
			best = i
			continue
		}
		if c.device.CurrentTasks == b.device.CurrentTasks {
			if laterHeartbeat(c.device, b.device) {
				best = i
			}
		}
	}
	return best
}

func laterHeartbeat(a, b *domain.Device) bool {
	if a.LastHeartbeat == nil {
		return false
	}
	if b.LastHeartbeat == nil {
		return true
	}
	return a.LastHeartbeat.After(*b.LastHeartbeat)
}

// selectWeighted does a weighted random choice using each candidate's
// heartbeat-derived weight, per spec §4.4.
func (s *selector) selectWeighted(candidates []candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	total := 0.0
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := c.heartbeat.Weight()
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return s.selectRandom(candidates)
	}
	r := rand.Float64() * total
	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(candidates) - 1
}

func (s *selector) selectRandom(candidates []candidate) int {
	if len(candidates) == 0 {
		return -1
	}
	return rand.Intn(len(candidates))
}
