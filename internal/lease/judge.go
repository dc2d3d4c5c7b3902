package lease

import (
	"fmt"
	"time"

	"github.com/bouthilx/metaopt/trial"
)

// #region decision-types

// GrantKind distinguishes how an acquisition was granted.
type GrantKind string

const (
	// GrantFresh is the first reservation of a point nobody recorded
	// before.
	GrantFresh GrantKind = "fresh"

	// GrantReacquire covers waiting (new/interrupted) trials and a
	// holder re-requesting its own live lease.
	GrantReacquire GrantKind = "reacquire"

	// GrantTakeover reclaims a lease whose holder let the TTL elapse.
	GrantTakeover GrantKind = "takeover"
)

// DenyKind distinguishes why an acquisition was refused.
type DenyKind string

const (
	// DenyOwned means another holder's lease is still live.
	DenyOwned DenyKind = "owned"

	// DenyFinished means the trial already completed.
	DenyFinished DenyKind = "finished"

	// DenyBroken means the trial broke and was not requeued.
	DenyBroken DenyKind = "broken"
)

// Decision is the pure acquisition verdict for one trial record at one
// instant. Denials come first; only a clean record earns a grant.
type Decision struct {
	Granted bool
	Grant   GrantKind
	Deny    DenyKind
	Reason  string
}

func (d Decision) Outcome() string {
	if d.Granted {
		return string(d.Grant)
	}
	return string(d.Deny)
}

// #endregion decision-types

// #region judge

// Judge decides whether holder may reserve t as of now. It reads only
// its arguments; the caller turns a grant into a conditional write.
func Judge(t trial.Trial, holder string, now time.Time) Decision {
	// --- Denial pass ---

	if t.Status == trial.StatusCompleted {
		return Decision{Deny: DenyFinished, Reason: "trial already completed"}
	}
	if t.Status == trial.StatusBroken {
		return Decision{Deny: DenyBroken, Reason: "trial broken; requeue it explicitly to retry"}
	}
	if t.Status == trial.StatusReserved && !t.LeaseExpired(now) && !t.HeldBy(holder) {
		return Decision{
			Deny:   DenyOwned,
			Reason: fmt.Sprintf("lease held by %s until %s", t.Lease.Holder, t.Lease.Expires.Format(time.RFC3339)),
		}
	}

	// --- Grant pass ---

	switch {
	case t.Status == trial.StatusReserved && t.LeaseExpired(now) && !t.HeldBy(holder):
		return Decision{
			Granted: true,
			Grant:   GrantTakeover,
			Reason:  fmt.Sprintf("lease of %s expired %s ago", t.Lease.Holder, now.Sub(t.Lease.Expires).Round(time.Millisecond)),
		}
	case t.Status == trial.StatusReserved:
		return Decision{Granted: true, Grant: GrantReacquire, Reason: "holder re-requested its own lease"}
	case t.Status == trial.StatusInterrupted:
		return Decision{Granted: true, Grant: GrantReacquire, Reason: "trial interrupted, re-acquirable"}
	default: // StatusNew
		return Decision{Granted: true, Grant: GrantReacquire, Reason: "trial waiting"}
	}
}

// #endregion judge
