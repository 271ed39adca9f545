package scheduler

import "time"

// OutcomeKind discriminates the decision engine's result variants.
type OutcomeKind int

const (
	KindSkipped OutcomeKind = iota
	KindRefreshedKeepAlive
	KindRefreshedFullLogin
	KindFailed
)

// SkipReason explains why an account was left alone this cycle.
type SkipReason string

const (
	// SkipManualLock: a human-initiated refresh holds the account.
	SkipManualLock SkipReason = "manual_lock"
	// SkipLoginInProgress: another worker is already logging this account in.
	SkipLoginInProgress SkipReason = "login_in_progress"
	// SkipNotDue: none of the due signals fired.
	SkipNotDue SkipReason = "not_due"
	// SkipRescheduled: keep-alive found the session dead and re-queued the
	// account for a full login on a later cycle.
	SkipRescheduled SkipReason = "rescheduled"
)

// Outcome is the tagged result of processing one account. Exactly one
// variant applies; Reason is set only for KindSkipped and Err only for
// KindFailed.
type Outcome struct {
	Kind   OutcomeKind
	Reason SkipReason
	// Expiry is the best-known session expiry after the decision, when known.
	Expiry *time.Time
	Err    error
}

// Skipped builds a skip outcome.
func Skipped(reason SkipReason) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason}
}

// SkippedWithExpiry builds a skip outcome that still reports the best-known
// expiry, used for not-due accounts.
func SkippedWithExpiry(reason SkipReason, expiry *time.Time) Outcome {
	return Outcome{Kind: KindSkipped, Reason: reason, Expiry: expiry}
}

// RefreshedViaKeepAlive builds a success outcome for the cheap path.
func RefreshedViaKeepAlive(expiry *time.Time) Outcome {
	return Outcome{Kind: KindRefreshedKeepAlive, Expiry: expiry}
}

// RefreshedViaFullLogin builds a success outcome for the expensive path.
func RefreshedViaFullLogin(expiry *time.Time) Outcome {
	return Outcome{Kind: KindRefreshedFullLogin, Expiry: expiry}
}

// Failed builds a failure outcome.
func Failed(err error) Outcome {
	return Outcome{Kind: KindFailed, Err: err}
}

// Tally aggregates one cycle's outcomes. Only the aggregate crosses the
// batch boundary; individual errors never propagate further up.
type Tally struct {
	Refreshed            int
	RefreshedByKeepAlive int
	RefreshedByFullLogin int
	Skipped              int
	// Scheduled counts the subset of Skipped where keep-alive re-queued the
	// account. Distinguished so a portal-side session purge cannot falsely
	// trip the backoff controller.
	Scheduled int
	Failed    int
}

// Observe folds one outcome into the tally.
func (t *Tally) Observe(o Outcome) {
	switch o.Kind {
	case KindRefreshedKeepAlive:
		t.Refreshed++
		t.RefreshedByKeepAlive++
	case KindRefreshedFullLogin:
		t.Refreshed++
		t.RefreshedByFullLogin++
	case KindSkipped:
		t.Skipped++
		if o.Reason == SkipRescheduled {
			t.Scheduled++
		}
	case KindFailed:
		t.Failed++
	}
}

// Total returns how many accounts the tally covers.
func (t Tally) Total() int {
	return t.Refreshed + t.Skipped + t.Failed
}
