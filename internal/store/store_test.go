package store

import "testing"

func TestMemTreeWatchFires(t *testing.T) {
	tree := NewMemTree()
	ch, cancel := tree.Watch("physical-device")
	defer cancel()

	if err := tree.Write("physical-device", "1.2"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-ch:
	default:
		t.Fatal("watch did not fire after write")
	}

	v, ok := tree.Read("physical-device")
	if !ok || v != "1.2" {
		t.Fatalf("Read = %q, %v; want 1.2, true", v, ok)
	}
}

func TestMemTreeCancelStopsWatch(t *testing.T) {
	tree := NewMemTree()
	ch, cancel := tree.Watch("autosuspend")
	cancel()

	tree.Write("autosuspend", "1")

	select {
	case <-ch:
		t.Fatal("watch fired after cancel")
	default:
	}
}

func TestParsePhysicalDevice(t *testing.T) {
	cases := []struct {
		in     string
		bus    int
		device int
		unplug bool
		bad    bool
	}{
		{in: "1.2", bus: 1, device: 2},
		{in: "0.0", unplug: true},
		{in: "a.1f", bus: 0xa, device: 0x1f},
		{in: "bogus", bad: true},
	}

	for _, c := range cases {
		bus, device, unplug, err := ParsePhysicalDevice(c.in)
		if c.bad {
			if err == nil {
				t.Errorf("ParsePhysicalDevice(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParsePhysicalDevice(%q): %v", c.in, err)
			continue
		}
		if bus != c.bus || device != c.device || unplug != c.unplug {
			t.Errorf("ParsePhysicalDevice(%q) = %d, %d, %v; want %d, %d, %v",
				c.in, bus, device, unplug, c.bus, c.device, c.unplug)
		}
	}
}

func TestFormatPhysicalDeviceRoundTrip(t *testing.T) {
	s := FormatPhysicalDevice(0x1a, 0x2b)
	bus, device, unplug, err := ParsePhysicalDevice(s)
	if err != nil {
		t.Fatalf("ParsePhysicalDevice(%q): %v", s, err)
	}
	if bus != 0x1a || device != 0x2b || unplug {
		t.Fatalf("round trip mismatch: %d.%d unplug=%v", bus, device, unplug)
	}
}

func TestParseProtocol(t *testing.T) {
	if got := ParseProtocol(""); got != "native" {
		t.Errorf("ParseProtocol(\"\") = %q; want native", got)
	}
	if got := ParseProtocol("x86_32-abi"); got != ProtocolX86_32 {
		t.Errorf("ParseProtocol(x86_32-abi) = %q", got)
	}
	if got := ParseProtocol("garbage"); got != "native" {
		t.Errorf("ParseProtocol(garbage) = %q; want native", got)
	}
}

func TestTransactionIsolatesWatchNotification(t *testing.T) {
	tree := NewMemTree()
	ch, cancel := tree.Watch("feature-barrier")
	defer cancel()

	err := tree.Transaction(func(tx Tx) error {
		return tx.Write("feature-barrier", "1")
	})
	if err != nil {
		t.Fatalf("Transaction: %v", err)
	}

	v, ok := tree.Read("feature-barrier")
	if !ok || v != "1" {
		t.Fatalf("Read after transaction = %q, %v", v, ok)
	}

	// Transaction writes do not fire watches (only plain Write does),
	// neither during the transaction nor after it returns.
	select {
	case <-ch:
		t.Fatal("a write made inside a Transaction fired a watch")
	default:
	}
}
