package sched

import (
	"sync"

	"maestro/internal/config"
	"maestro/pkg/logx"
)

// ResourceManager enforces per-group concurrency limits. A "default" group
// with capacity 1 always exists; tasks naming an unknown group are admitted
// with a warning (fail-open) so a config typo can't silently starve a task.
type ResourceManager struct {
	log logx.Logger

	mu     sync.Mutex
	limits map[string]int
	inUse  map[string]int
}

func NewResourceManager(log logx.Logger) *ResourceManager {
	rm := &ResourceManager{
		log:    log.With(logx.String("comp", "resources")),
		limits: map[string]int{},
		inUse:  map[string]int{},
	}
	rm.Load(nil)
	return rm
}

// Load replaces the group definitions. Allocations already held keep their
// counts; limits apply to future admissions.
func (rm *ResourceManager) Load(groups []config.ResourceGroup) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	limits := map[string]int{"default": 1}
	for _, g := range groups {
		if g.Name == "" || g.MaxConcurrent < 1 {
			continue
		}
		limits[g.Name] = g.MaxConcurrent
	}
	rm.limits = limits
}

// CanStart reports whether the task's group has a free slot.
func (rm *ResourceManager) CanStart(task *config.TaskDefinition) bool {
	group := task.EffectiveResourceGroup()
	rm.mu.Lock()
	defer rm.mu.Unlock()

	limit, known := rm.limits[group]
	if !known {
		rm.log.Warn("unknown resource group, admitting task",
			logx.String("task", task.ID),
			logx.String("group", group))
		return true
	}
	return rm.inUse[group] < limit
}

func (rm *ResourceManager) Allocate(task *config.TaskDefinition) {
	group := task.EffectiveResourceGroup()
	rm.mu.Lock()
	rm.inUse[group]++
	rm.mu.Unlock()
}

func (rm *ResourceManager) Release(task *config.TaskDefinition) {
	group := task.EffectiveResourceGroup()
	rm.mu.Lock()
	if rm.inUse[group] > 0 {
		rm.inUse[group]--
	}
	rm.mu.Unlock()
}

// GroupUsage is one group's point-in-time utilization.
type GroupUsage struct {
	Name  string `json:"name"`
	Limit int    `json:"limit"`
	InUse int    `json:"in_use"`
}

func (rm *ResourceManager) Snapshot() []GroupUsage {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]GroupUsage, 0, len(rm.limits))
	for name, limit := range rm.limits {
		out = append(out, GroupUsage{Name: name, Limit: limit, InUse: rm.inUse[name]})
	}
	return out
}
