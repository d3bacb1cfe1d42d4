package health

import (
	"errors"
	"testing"
	"time"

	"github.com/irisgate/irisgate/internal/iris"
	"github.com/irisgate/irisgate/internal/pool"
)

func newTestChecker(t *testing.T) (*Checker, *iris.StubConnector) {
	t.Helper()
	connector := &iris.StubConnector{}
	p := pool.New(connector, pool.Config{Size: 1})
	t.Cleanup(p.Close)
	return NewChecker(p, nil, time.Hour, time.Second, 2), connector
}

func TestCheckerHealthyAfterPing(t *testing.T) {
	c, _ := newTestChecker(t)

	if !c.Healthy() {
		t.Error("fresh checker should report healthy")
	}
	if c.Current().Status != StatusUnknown {
		t.Errorf("expected unknown status before first check, got %v", c.Current().Status)
	}

	c.check()

	snap := c.Current()
	if snap.Status != StatusHealthy {
		t.Errorf("expected healthy after successful ping, got %v", snap.Status)
	}
	if snap.LastCheck.IsZero() {
		t.Error("expected last check timestamp to be set")
	}
	if snap.ConsecutiveFailures != 0 {
		t.Errorf("expected zero failures, got %d", snap.ConsecutiveFailures)
	}
}

func TestCheckerThreshold(t *testing.T) {
	c, _ := newTestChecker(t)

	failed := errors.New("backend gone")

	// One failure stays below the threshold of 2.
	c.update(time.Millisecond, failed)
	if !c.Healthy() {
		t.Error("one failure should not trip the threshold")
	}
	if got := c.Current().ConsecutiveFailures; got != 1 {
		t.Errorf("expected 1 failure, got %d", got)
	}

	c.update(time.Millisecond, failed)
	if c.Healthy() {
		t.Error("second failure should mark the backend unhealthy")
	}
	if got := c.Current().LastError; got != "backend gone" {
		t.Errorf("expected last error recorded, got %q", got)
	}

	// Recovery resets the counter.
	c.update(time.Millisecond, nil)
	snap := c.Current()
	if snap.Status != StatusHealthy {
		t.Errorf("expected healthy after recovery, got %v", snap.Status)
	}
	if snap.ConsecutiveFailures != 0 || snap.LastError != "" {
		t.Errorf("expected failure state cleared, got %+v", snap)
	}
}

func TestCheckerStartStop(t *testing.T) {
	c, _ := newTestChecker(t)
	c.Start()
	c.Stop()
	c.Stop() // idempotent

	if c.Current().LastCheck.IsZero() {
		t.Error("Start should run an immediate check")
	}
}

func TestStatusString(t *testing.T) {
	cases := map[Status]string{
		StatusUnknown:   "unknown",
		StatusHealthy:   "healthy",
		StatusUnhealthy: "unhealthy",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("Status(%d).String() = %q, want %q", status, got, want)
		}
	}
}
