package global

import (
	"testing"

	"github.com/open-computing-kit/ockernel/kernel/mm/vmm"
	"github.com/open-computing-kit/ockernel/kernel/sched"
)

func TestInitThenGet(t *testing.T) {
	defer reset()

	dir := &vmm.PageDirectory{}
	procTable := &sched.ProcessTable{}

	if err := Init(dir, procTable, nil); err != nil {
		t.Fatalf("unexpected error: %s", err)
	}

	s, err := Get()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if s.KernelDir != dir || s.ProcTable != procTable {
		t.Fatal("expected Get to return the values passed to Init")
	}
}

func TestGetBeforeInit(t *testing.T) {
	defer reset()

	if _, err := Get(); err == nil {
		t.Fatal("expected Get to fail before Init has run")
	}
}

func TestInitTwiceFails(t *testing.T) {
	defer reset()

	if err := Init(&vmm.PageDirectory{}, &sched.ProcessTable{}, nil); err != nil {
		t.Fatalf("unexpected error on first Init: %s", err)
	}
	if err := Init(&vmm.PageDirectory{}, &sched.ProcessTable{}, nil); err == nil {
		t.Fatal("expected a second Init to fail")
	}
}

func TestSchedulerForOutOfRange(t *testing.T) {
	s := &State{Schedulers: nil}
	if _, ok := s.SchedulerFor(0); ok {
		t.Fatal("expected SchedulerFor to fail with no schedulers registered")
	}
}
