package guard

import (
	"context"
	"errors"
	"testing"
	"time"
)

var frozen = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCheckBlocksExternalNetwork(t *testing.T) {
	g := New(frozen)

	err := g.Check(CallNetwork, "https://api.example.com/v1/things")
	if err == nil {
		t.Fatal("expected external network call to be blocked")
	}

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected *BlockedError, got %T", err)
	}
	if blocked.CallType != CallNetwork || blocked.Target != "https://api.example.com/v1/things" {
		t.Errorf("unexpected block details: %+v", blocked)
	}

	ledger := g.Violations()
	if len(ledger) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(ledger))
	}
	if ledger[0].Target != "https://api.example.com/v1/things" {
		t.Errorf("ledger entry = %+v", ledger[0])
	}
	t.Log("✓ blocked call recorded in violation ledger")
}

func TestCheckAllowsLoopback(t *testing.T) {
	g := New(frozen)

	targets := []string{
		"http://127.0.0.1:8080/fixture",
		"http://localhost/fixture",
		"http://[::1]:9090/fixture",
		"127.0.0.1:6379",
	}
	for _, target := range targets {
		if err := g.Check(CallNetwork, target); err != nil {
			t.Errorf("loopback target %q should be allowed: %v", target, err)
		}
	}
	if len(g.Violations()) != 0 {
		t.Errorf("allowed calls must not appear in the ledger: %+v", g.Violations())
	}
}

func TestAllowHost(t *testing.T) {
	g := New(frozen)
	g.AllowHost("api.example.com")

	if err := g.Check(CallNetwork, "https://api.example.com/v1"); err != nil {
		t.Errorf("allow-listed host should pass: %v", err)
	}
	if err := g.Check(CallNetwork, "https://evil.example.com/v1"); err == nil {
		t.Error("non-listed host should be blocked")
	}
}

func TestCheckBlocksClockAndRandom(t *testing.T) {
	g := New(frozen)
	g.SetStep("fetch")

	if err := g.Check(CallClock, "time.Now"); err == nil {
		t.Error("wall clock reads should be blocked while guarded")
	}
	if err := g.Check(CallRandom, "crypto/rand"); err == nil {
		t.Error("ambient randomness should be blocked while guarded")
	}

	ledger := g.Violations()
	if len(ledger) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(ledger))
	}
	if ledger[0].StepID != "fetch" {
		t.Errorf("violation should carry the active step: %+v", ledger[0])
	}
}

func TestAllowType(t *testing.T) {
	g := New(frozen)
	g.AllowType(CallFilesystem)

	if err := g.Check(CallFilesystem, "/var/fixtures/data.json"); err != nil {
		t.Errorf("allowed type should pass: %v", err)
	}
}

func TestNowReturnsFrozenTimestamp(t *testing.T) {
	g := New(frozen)

	first := g.Now()
	time.Sleep(5 * time.Millisecond)
	second := g.Now()

	if !first.Equal(frozen) || !second.Equal(frozen) {
		t.Errorf("guarded Now must return the frozen instant: %v, %v", first, second)
	}
}

func TestContextScoping(t *testing.T) {
	ctx := context.Background()

	if From(ctx) != nil {
		t.Fatal("unguarded context must yield nil guard")
	}

	g := New(frozen)
	guarded := With(ctx, g)
	if From(guarded) != g {
		t.Fatal("guarded context must yield the attached guard")
	}

	// The parent context stays unguarded.
	if From(ctx) != nil {
		t.Fatal("guard must not leak into the parent scope")
	}
}
