package ble

import "testing"

func TestTinyGoConnectionLatchesEarlyDrop(t *testing.T) {
	c := &tinyGoConnection{}
	c.fireDisconnect()

	calls := 0
	c.OnDisconnect(func() { calls++ })
	if calls != 1 {
		t.Fatalf("callback calls after registration = %d, want 1", calls)
	}

	c.fireDisconnect()
	if calls != 1 {
		t.Errorf("callback calls after a second drop = %d, want 1", calls)
	}
}

func TestTinyGoConnectionFiresRegisteredCallback(t *testing.T) {
	c := &tinyGoConnection{}
	calls := 0
	c.OnDisconnect(func() { calls++ })
	if calls != 0 {
		t.Fatalf("callback ran before any drop")
	}
	c.fireDisconnect()
	if calls != 1 {
		t.Errorf("callback calls = %d, want 1", calls)
	}
}
