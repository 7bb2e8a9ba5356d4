package kafkaq

import (
	"context"
	"testing"
)

func TestBrokerAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"kafka://localhost:9092": "localhost:9092",
		" broker-1:9092 ":        "broker-1:9092",
		"":                       "",
	}
	for in, want := range tests {
		if got := BrokerAddr(in); got != want {
			t.Fatalf("BrokerAddr(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConnectRequiresAddress(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}).Connect(context.Background(), "kafka://"); err == nil {
		t.Fatal("expected error for empty broker address")
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	d := New(Config{})
	if d.cfg.GroupID != "dispatchcheck" {
		t.Fatalf("GroupID = %q", d.cfg.GroupID)
	}
	if d.Name() != DriverName {
		t.Fatalf("Name = %s", d.Name())
	}
}
