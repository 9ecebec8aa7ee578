package timer

import "testing"

func TestTimeoutFiresOnceAtExactTick(t *testing.T) {
	tm := New(1000)

	var fired int
	tm.TimeoutAt(tm.Now()+1, func(uint64) { fired++ })

	tm.Tick()
	if fired != 1 {
		t.Fatalf("expected the timeout to fire exactly once on its tick; fired %d times", fired)
	}

	tm.Tick()
	if fired != 1 {
		t.Fatal("expected the timeout not to fire again on a later tick")
	}
}

func TestTimeoutsFireInTickThenRegistrationOrder(t *testing.T) {
	tm := New(1000)

	var order []string
	tm.TimeoutAt(tm.Now()+2, func(uint64) { order = append(order, "second-tick-first-registered") })
	tm.TimeoutAt(tm.Now()+1, func(uint64) { order = append(order, "first-tick") })
	tm.TimeoutAt(tm.Now()+2, func(uint64) { order = append(order, "second-tick-second-registered") })

	tm.Tick() // tick 1: only the first-tick timeout is due
	tm.Tick() // tick 2: both tick-2 timeouts are due, in registration order

	want := []string{"first-tick", "second-tick-first-registered", "second-tick-second-registered"}
	if len(order) != len(want) {
		t.Fatalf("expected %v; got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v; got %v", want, order)
		}
	}
}

func TestDisabledTimeoutDoesNotFire(t *testing.T) {
	tm := New(1000)

	var fired bool
	to := tm.TimeoutAt(tm.Now()+1, func(uint64) { fired = true })
	to.Disable()

	tm.Tick()
	if fired {
		t.Fatal("expected a disabled timeout not to fire")
	}
}

func TestCallbackMayRegisterNewTimeout(t *testing.T) {
	tm := New(1000)

	var secondFired bool
	var register func()
	register = func() {
		tm.TimeoutAt(tm.Now()+1, func(uint64) { secondFired = true })
	}
	tm.TimeoutAt(tm.Now()+1, func(uint64) { register() })

	tm.Tick()
	if secondFired {
		t.Fatal("the newly registered timeout should not fire on the same tick that registered it")
	}
	tm.Tick()
	if !secondFired {
		t.Fatal("expected the timeout registered from within a callback to fire on the following tick")
	}
}

func TestMillisRoundsDownToAtLeastOneTick(t *testing.T) {
	tm := New(500) // slower than 1kHz
	if got := tm.Millis(); got != 1 {
		t.Fatalf("expected Millis to floor at 1 tick; got %d", got)
	}

	tm = New(2000)
	if got := tm.Millis(); got != 2 {
		t.Fatalf("expected 2 ticks per millisecond at 2kHz; got %d", got)
	}
}
