package worker

import "testing"

func TestBufferAllocator_AllowsWithinCeiling(t *testing.T) {
	a := newBufferAllocator(100)
	if !a.tryAllocate(60) {
		t.Fatal("60 of 100 should be allowed")
	}
	if !a.tryAllocate(40) {
		t.Fatal("40 more, totaling exactly 100, should be allowed")
	}
	if a.inFlightBytes() != 100 {
		t.Errorf("inFlightBytes() = %d, want 100", a.inFlightBytes())
	}
}

func TestBufferAllocator_RejectsOverCeiling(t *testing.T) {
	a := newBufferAllocator(100)
	if !a.tryAllocate(80) {
		t.Fatal("80 of 100 should be allowed")
	}
	if a.tryAllocate(21) {
		t.Fatal("21 more, totaling 101, should be rejected")
	}
	if a.inFlightBytes() != 80 {
		t.Errorf("a failed allocation must not change the counter, got %d", a.inFlightBytes())
	}
}

func TestBufferAllocator_FreeReclaimsRoomForFutureAllocations(t *testing.T) {
	a := newBufferAllocator(100)
	a.tryAllocate(100)
	if a.tryAllocate(1) {
		t.Fatal("ceiling should already be exhausted")
	}
	a.free(50)
	if !a.tryAllocate(50) {
		t.Fatal("freeing 50 should allow a further 50-byte allocation")
	}
}

func TestBufferAllocator_ZeroCeilingDisablesTheLimit(t *testing.T) {
	a := newBufferAllocator(0)
	if !a.tryAllocate(1 << 40) {
		t.Fatal("a zero ceiling should allow allocations of any size")
	}
}

func TestBufferAllocator_NonPositiveSizesAreNoOps(t *testing.T) {
	a := newBufferAllocator(10)
	if !a.tryAllocate(0) {
		t.Fatal("allocating 0 bytes should always succeed")
	}
	if !a.tryAllocate(-5) {
		t.Fatal("allocating a negative size should always succeed")
	}
	if a.inFlightBytes() != 0 {
		t.Errorf("inFlightBytes() = %d, want 0", a.inFlightBytes())
	}
	a.free(-5)
	if a.inFlightBytes() != 0 {
		t.Errorf("freeing a negative size should be a no-op, got %d", a.inFlightBytes())
	}
}
