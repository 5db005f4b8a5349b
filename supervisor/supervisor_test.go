package supervisor

import "testing"

func TestParseIPv4(t *testing.T) {
	cases := map[string][4]byte{
		"127.0.0.1": {127, 0, 0, 1},
		"0.0.0.0":   {0, 0, 0, 0},
		"10.0.0.5":  {10, 0, 0, 5},
	}
	for in, want := range cases {
		if got := parseIPv4(in); got != want {
			t.Errorf("parseIPv4(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestWorkerFDsConvention(t *testing.T) {
	listenFD, sharedFD, ownWakeupFD, siblingStart := WorkerFDs()
	if listenFD != 3 || sharedFD != 4 || ownWakeupFD != 5 || siblingStart != 6 {
		t.Fatalf("unexpected fd convention: listen=%d shared=%d own=%d siblingStart=%d",
			listenFD, sharedFD, ownWakeupFD, siblingStart)
	}
}
