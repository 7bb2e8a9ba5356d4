package natsq

import (
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"dispatchcheck/internal/broker"
)

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	d := New(Config{Group: "g"})
	if d.Name() != DriverName {
		t.Fatalf("Name = %s", d.Name())
	}
	if d.cfg.Codec == nil || d.cfg.Codec.Name() != broker.CodecNameJSON {
		t.Fatal("expected json codec by default")
	}
	if d.cfg.ConnectTimeout <= 0 || d.cfg.FlushTimeout <= 0 {
		t.Fatalf("expected positive timeouts, got %+v", d.cfg)
	}
}

func TestMapErr(t *testing.T) {
	t.Parallel()
	if mapErr(nil) != nil {
		t.Fatal("mapErr(nil) != nil")
	}
	if err := mapErr(nats.ErrConnectionClosed); !errors.Is(err, broker.ErrClosed) {
		t.Fatalf("closed connection not mapped: %v", err)
	}
	other := errors.New("slow consumer")
	if err := mapErr(other); !errors.Is(err, other) || errors.Is(err, broker.ErrClosed) {
		t.Fatalf("unexpected mapping: %v", err)
	}
}
