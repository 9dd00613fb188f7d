package platform

import "testing"

func TestEventKindString(t *testing.T) {
	cases := map[EventKind]string{
		EventCreate:     "CREATE",
		EventModify:     "MODIFY",
		EventDelete:     "DELETE",
		EventOverflow:   "OVERFLOW",
		EventInvalidate: "INVALIDATE",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("EventKind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}

func TestNormalizedConfigAppliesDefaults(t *testing.T) {
	cfg := normalizedConfig(Config{})
	if cfg.QueueSize != DefaultQueueSize {
		t.Errorf("QueueSize = %d, want %d", cfg.QueueSize, DefaultQueueSize)
	}
	if cfg.LatencySeconds != DefaultLatencySeconds {
		t.Errorf("LatencySeconds = %v, want %v", cfg.LatencySeconds, DefaultLatencySeconds)
	}
}

func TestNormalizedConfigPreservesExplicitValues(t *testing.T) {
	cfg := normalizedConfig(Config{QueueSize: 7, LatencySeconds: 2.5})
	if cfg.QueueSize != 7 || cfg.LatencySeconds != 2.5 {
		t.Errorf("normalizedConfig overwrote explicit values: %+v", cfg)
	}
}
