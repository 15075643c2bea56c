package sched

import (
	"testing"

	"maestro/internal/config"
	"maestro/pkg/logx"
)

func groupTask(id, group string) *config.TaskDefinition {
	return &config.TaskDefinition{ID: id, Enabled: true, ResourceGroup: group, Command: "true"}
}

func TestResourceManagerDefaultGroup(t *testing.T) {
	t.Parallel()

	rm := NewResourceManager(logx.Nop())
	a := groupTask("a", "") // empty group maps to "default"
	b := groupTask("b", "")

	if !rm.CanStart(a) {
		t.Fatal("default group should admit the first task")
	}
	rm.Allocate(a)
	if rm.CanStart(b) {
		t.Error("default group capacity is 1; second task should wait")
	}
	rm.Release(a)
	if !rm.CanStart(b) {
		t.Error("slot should be free after release")
	}
}

func TestResourceManagerCapacity(t *testing.T) {
	t.Parallel()

	rm := NewResourceManager(logx.Nop())
	rm.Load([]config.ResourceGroup{{Name: "emulators", MaxConcurrent: 2}})

	a := groupTask("a", "emulators")
	b := groupTask("b", "emulators")
	c := groupTask("c", "emulators")

	rm.Allocate(a)
	rm.Allocate(b)
	if rm.CanStart(c) {
		t.Error("group at capacity should reject a third task")
	}
	rm.Release(a)
	if !rm.CanStart(c) {
		t.Error("group should admit after a release")
	}
}

func TestResourceManagerUnknownGroupFailsOpen(t *testing.T) {
	t.Parallel()

	rm := NewResourceManager(logx.Nop())
	rm.Load([]config.ResourceGroup{{Name: "known", MaxConcurrent: 1}})

	task := groupTask("t", "typo-group")
	if !rm.CanStart(task) {
		t.Error("unknown group must admit the task (fail open)")
	}
}

func TestResourceManagerReloadKeepsAllocations(t *testing.T) {
	t.Parallel()

	rm := NewResourceManager(logx.Nop())
	rm.Load([]config.ResourceGroup{{Name: "g", MaxConcurrent: 2}})

	a := groupTask("a", "g")
	rm.Allocate(a)

	// Shrink the group; the held allocation still counts against it.
	rm.Load([]config.ResourceGroup{{Name: "g", MaxConcurrent: 1}})
	if rm.CanStart(groupTask("b", "g")) {
		t.Error("shrunk group should be full while the allocation is held")
	}
	rm.Release(a)
	if !rm.CanStart(groupTask("b", "g")) {
		t.Error("group should admit after release")
	}
}
