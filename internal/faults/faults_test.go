package faults

import (
	"context"
	"math/rand"
	"testing"
)

// passThrough counts applications without touching the frame.
type passThrough struct {
	name  string
	calls int
}

func (p *passThrough) Name() string { return p.name }
func (p *passThrough) Apply(_ context.Context, frame []byte, _ Meta) ([]byte, bool) {
	p.calls++
	return frame, true
}
func (p *passThrough) Reset()                { p.calls = 0 }
func (p *passThrough) Stats() map[string]any { return map[string]any{"calls": p.calls} }

func TestInjectorPassThroughWhenEmpty(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	got, ok := inj.InjectInbound(context.Background(), []byte("hello"), "s1", "PING")
	if !ok || string(got) != "hello" {
		t.Errorf("empty injector altered the frame: %q, %v", got, ok)
	}
}

func TestInjectorShortCircuitsOnSwallow(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	drop := NewDropStrategy(1.0, rand.New(rand.NewSource(1)))
	after := &passThrough{name: "after"}
	inj.AddInbound(drop)
	inj.AddInbound(after)

	if _, ok := inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING"); ok {
		t.Fatal("frame should have been swallowed")
	}
	if after.calls != 0 {
		t.Errorf("strategy after the drop ran %d times", after.calls)
	}
}

func TestInjectorDirectionsAreIndependent(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	in := &passThrough{name: "in"}
	out := &passThrough{name: "out"}
	inj.AddInbound(in)
	inj.AddOutbound(out)

	inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING")
	if in.calls != 1 || out.calls != 0 {
		t.Errorf("inbound frame hit chains in=%d out=%d", in.calls, out.calls)
	}
	inj.InjectOutbound(context.Background(), []byte("x"), "s1", "PONG")
	if in.calls != 1 || out.calls != 1 {
		t.Errorf("outbound frame hit chains in=%d out=%d", in.calls, out.calls)
	}
	if inj.StrategyCount(Inbound) != 1 || inj.StrategyCount(Outbound) != 1 {
		t.Error("strategy counts wrong")
	}
}

func TestInjectorDisableBypassesStrategies(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.AddInbound(NewDropStrategy(1.0, rand.New(rand.NewSource(1))))

	inj.Disable()
	if inj.Enabled() {
		t.Fatal("injector still enabled")
	}
	got, ok := inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING")
	if !ok || string(got) != "x" {
		t.Error("disabled injector must pass frames untouched")
	}

	inj.Enable()
	if _, ok := inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING"); ok {
		t.Error("re-enabled injector should drop again")
	}
}

func TestInjectorFlushDrainsReorderBuffers(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.AddOutbound(NewReorderStrategy(4, rand.New(rand.NewSource(1))))

	for _, payload := range []string{"a", "b", "c"} {
		inj.InjectOutbound(context.Background(), []byte(payload), "s1", "TICKER")
	}
	flushed := inj.Flush(Outbound)
	if len(flushed) != 3 {
		t.Fatalf("flushed %d frames, want 3", len(flushed))
	}
	if len(inj.Flush(Inbound)) != 0 {
		t.Error("inbound chain has nothing to flush")
	}
}

func TestInjectorStatistics(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	inj.AddInbound(NewDropStrategy(1.0, rand.New(rand.NewSource(1))))
	inj.AddInbound(NewDropStrategy(1.0, rand.New(rand.NewSource(2))))
	inj.AddOutbound(NewSilentStrategy(true, 10))

	inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING")

	stats := inj.Statistics()
	if stats["enabled"] != true {
		t.Error("enabled flag missing")
	}
	inbound := stats["inbound"].(map[string]any)
	if _, ok := inbound["drop_0"]; !ok {
		t.Errorf("inbound keys = %v, want drop_0", inbound)
	}
	if _, ok := inbound["drop_1"]; !ok {
		t.Errorf("inbound keys = %v, want drop_1", inbound)
	}
	outbound := stats["outbound"].(map[string]any)
	if _, ok := outbound["silent_0"]; !ok {
		t.Errorf("outbound keys = %v, want silent_0", outbound)
	}
	first := inbound["drop_0"].(map[string]any)
	if first["dropped_count"].(int64) != 1 {
		t.Errorf("drop_0 stats = %v", first)
	}
}

func TestInjectorResetAndClear(t *testing.T) {
	t.Parallel()

	inj := NewInjector()
	drop := NewDropStrategy(1.0, rand.New(rand.NewSource(1)))
	inj.AddInbound(drop)
	inj.InjectInbound(context.Background(), []byte("x"), "s1", "PING")

	inj.ResetStrategies()
	if drop.Stats()["dropped_count"].(int64) != 0 {
		t.Error("reset did not clear strategy state")
	}

	inj.ClearStrategies()
	if inj.StrategyCount(Inbound) != 0 || inj.StrategyCount(Outbound) != 0 {
		t.Error("clear left strategies behind")
	}
}
