package engine

import "testing"

func TestDeviceStatusTransitions(t *testing.T) {
	allowed := map[DeviceStatus][]DeviceStatus{
		DeviceStatusPending:    {DeviceStatusDispatched, DeviceStatusCanceled},
		DeviceStatusDispatched: {DeviceStatusInProgress, DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusRejected, DeviceStatusTimedOut, DeviceStatusCanceled},
		DeviceStatusInProgress: {DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusRejected, DeviceStatusTimedOut, DeviceStatusCanceled},
	}
	all := []DeviceStatus{
		DeviceStatusPending, DeviceStatusDispatched, DeviceStatusInProgress,
		DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusTimedOut,
		DeviceStatusRejected, DeviceStatusCanceled,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
					break
				}
			}
			if got := from.CanTransition(to); got != want {
				t.Errorf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
}

func TestTerminalStatusesAcceptNoTransitions(t *testing.T) {
	terminal := []DeviceStatus{
		DeviceStatusSucceeded, DeviceStatusFailed, DeviceStatusTimedOut,
		DeviceStatusRejected, DeviceStatusCanceled,
	}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	if !DeviceStatusTimedOut.IsFailure() || !DeviceStatusRejected.IsFailure() {
		t.Error("timed_out and rejected must count as failures")
	}
	if DeviceStatusCanceled.IsFailure() {
		t.Error("canceled must not count as a failure")
	}
}
