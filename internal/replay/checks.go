package replay

import (
	"fmt"

	"github.com/bouthilx/metaopt/trial"
)

// #region check-types

// Check is one named audit assertion over a trial record.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

// AllPassed reports whether every check in the set passed.
func AllPassed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// #endregion check-types

// #region audit

// Audit runs the coherence checks against one trial record.
func Audit(t trial.Trial) []Check {
	return []Check{
		checkFirstEvent(t),
		checkEventOrder(t),
		checkLeaseCoherence(t),
		checkFaultAnnotation(t),
		checkResultPresence(t),
	}
}

func checkFirstEvent(t trial.Trial) Check {
	c := Check{Name: "first-event-created", Passed: true}
	if len(t.Events) == 0 || t.Events[0].Kind != "created" {
		c.Passed = false
		c.Detail = "history does not begin with a creation event"
	}
	return c
}

func checkEventOrder(t trial.Trial) Check {
	c := Check{Name: "event-times-monotonic", Passed: true}
	for i := 1; i < len(t.Events); i++ {
		if t.Events[i].At.Before(t.Events[i-1].At) {
			c.Passed = false
			c.Detail = fmt.Sprintf("event %d at %s precedes event %d at %s",
				i, t.Events[i].At.Format("15:04:05"), i-1, t.Events[i-1].At.Format("15:04:05"))
			return c
		}
	}
	return c
}

func checkLeaseCoherence(t trial.Trial) Check {
	c := Check{Name: "lease-coherent", Passed: true}
	reserved := t.Status == trial.StatusReserved
	switch {
	case reserved && t.Lease == nil:
		c.Passed = false
		c.Detail = "reserved trial carries no lease"
	case !reserved && t.Lease != nil:
		c.Passed = false
		c.Detail = fmt.Sprintf("%s trial still carries a lease for %s", t.Status, t.Lease.Holder)
	}
	return c
}

func checkFaultAnnotation(t trial.Trial) Check {
	c := Check{Name: "fault-annotated", Passed: true}
	switch {
	case t.Status == trial.StatusBroken && t.Fault == "":
		c.Passed = false
		c.Detail = "broken trial has no failure annotation"
	case t.Status != trial.StatusBroken && t.Fault != "":
		c.Passed = false
		c.Detail = "non-broken trial carries a failure annotation"
	}
	return c
}

func checkResultPresence(t trial.Trial) Check {
	c := Check{Name: "result-on-completion", Passed: true}
	if t.Status == trial.StatusCompleted && t.Result == nil {
		c.Passed = false
		c.Detail = "completed trial has no result"
	}
	return c
}

// #endregion audit
