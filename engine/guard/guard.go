// Package guard mechanically blocks non-deterministic I/O during guarded
// workflow execution.
//
// The engine activates a Guard for the duration of a guarded run by
// attaching it to the context; skills that perform external calls look it
// up with From and ask Check before dialing out. Outside a guarded scope
// From returns nil and everything is permitted. The guard is cooperative:
// it cannot intercept a skill that never asks, but every skill shipped in
// this module does.
package guard

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// CallType classifies the external effect a skill is about to perform.
type CallType string

const (
	CallNetwork    CallType = "network"
	CallClock      CallType = "clock"
	CallRandom     CallType = "random"
	CallFilesystem CallType = "filesystem"
)

// BlockedError is returned by Check when a call is denied. The violation
// is also appended to the guard's ledger before the error is returned.
type BlockedError struct {
	CallType CallType
	Target   string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("external call blocked: %s %s", e.CallType, e.Target)
}

// Violation is one ledger entry for a denied call.
type Violation struct {
	CallType CallType
	Target   string
	StepID   string
}

type ctxKey struct{}

// With attaches g to the context, activating the guarded scope for
// everything downstream.
func With(ctx context.Context, g *Guard) context.Context {
	return context.WithValue(ctx, ctxKey{}, g)
}

// From returns the active guard, or nil when the scope is unguarded.
func From(ctx context.Context) *Guard {
	g, _ := ctx.Value(ctxKey{}).(*Guard)
	return g
}

// Guard holds the allow-list, the frozen timestamp, and the violation
// ledger for one guarded run. Safe for concurrent use.
type Guard struct {
	mu         sync.Mutex
	frozen     time.Time
	allowHosts map[string]bool
	allowTypes map[CallType]bool
	violations []Violation
	stepID     string
}

// New creates a guard frozen at the given timestamp. Loopback network
// targets are allowed by default so tests can run local fixtures; all
// other network hosts and every clock/random/filesystem call are denied
// until allowed explicitly.
func New(frozen time.Time) *Guard {
	return &Guard{
		frozen:     frozen,
		allowHosts: make(map[string]bool),
		allowTypes: make(map[CallType]bool),
	}
}

// AllowHost permits network calls to the given host (no port).
func (g *Guard) AllowHost(host string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowHosts[strings.ToLower(host)] = true
}

// AllowType permits every call of the given type. Used sparingly, e.g.
// CallFilesystem for skills that read baked-in fixtures.
func (g *Guard) AllowType(ct CallType) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowTypes[ct] = true
}

// SetStep records which step is currently executing so violations can be
// attributed. The engine calls this as the step loop advances.
func (g *Guard) SetStep(stepID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stepID = stepID
}

// Check decides whether the call may proceed. Denied calls are recorded
// in the ledger and reported with *BlockedError.
func (g *Guard) Check(ct CallType, target string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.allowTypes[ct] {
		return nil
	}
	if ct == CallNetwork && g.hostAllowed(target) {
		return nil
	}

	g.violations = append(g.violations, Violation{CallType: ct, Target: target, StepID: g.stepID})
	return &BlockedError{CallType: ct, Target: target}
}

// hostAllowed must be called with the lock held.
func (g *Guard) hostAllowed(target string) bool {
	host := hostOf(target)
	if g.allowHosts[host] {
		return true
	}
	return isLoopback(host)
}

// Now returns the frozen timestamp. Skills read time through this inside
// a guarded scope; two executions of the same run always see the same
// instant.
func (g *Guard) Now() time.Time {
	return g.frozen
}

// Violations returns a copy of the ledger in occurrence order.
func (g *Guard) Violations() []Violation {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Violation, len(g.violations))
	copy(out, g.violations)
	return out
}

// hostOf extracts a bare lowercase hostname from a URL or host:port.
func hostOf(target string) string {
	s := target
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	return strings.ToLower(strings.Trim(s, "[]"))
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
