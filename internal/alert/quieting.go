package alert

import (
	"sync"

	"risk-sentinel/internal/store"
)

// Decision is the quieting verdict for one candidate breach.
type Decision int

const (
	DecideEmit Decision = iota
	DecideSuppress
	DecideSnooze
)

func (d Decision) String() string {
	switch d {
	case DecideEmit:
		return "emitted"
	case DecideSuppress:
		return "suppressed"
	case DecideSnooze:
		return "snoozed"
	}
	return "unknown"
}

type subject struct {
	UID  string
	Rule string
}

type quietState struct {
	lastAlert   float64
	hasAlert    bool
	snoozeUntil float64
}

// Quieting tracks per-(uid, rule) debounce anchors and snooze expiries. The
// in-memory maps are rebuilt from the persisted memo log on cold start and
// fed from newly tailed memos while running, so quieting survives restarts
// without the store itself tracking it.
type Quieting struct {
	mu     sync.Mutex
	states map[subject]quietState
}

// NewQuieting returns an empty quieting table.
func NewQuieting() *Quieting {
	return &Quieting{states: make(map[subject]quietState)}
}

// Decide returns the verdict for a breach observed at nowTS and, for
// suppress/snooze, the timestamp at which the subject becomes eligible
// again. It never mutates state; an emit is recorded via MarkEmitted once
// the memo and breach event have actually been written.
func (q *Quieting) Decide(nowTS float64, uid, rule string, debounceS float64) (Decision, float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	st := q.states[subject{UID: uid, Rule: rule}]
	if nowTS < st.snoozeUntil {
		return DecideSnooze, st.snoozeUntil
	}
	if st.hasAlert && debounceS > 0 && nowTS-st.lastAlert < debounceS {
		// The debounce window anchors to the original emission; suppressed
		// re-checks do not extend it.
		return DecideSuppress, st.lastAlert + debounceS
	}
	return DecideEmit, 0
}

// MarkEmitted records an emission as the new debounce anchor.
func (q *Quieting) MarkEmitted(nowTS float64, uid, rule string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := subject{UID: uid, Rule: rule}
	st := q.states[key]
	st.lastAlert = nowTS
	st.hasAlert = true
	q.states[key] = st
}

// Apply folds one persisted memo into the table. Emitted memos restore the
// debounce anchor, snoozed memos restore the expiry, suppressed memos carry
// no state. Apply is idempotent and safe for memos the engine itself wrote.
func (q *Quieting) Apply(memo store.Memo) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := subject{UID: memo.UID, Rule: memo.Rule}
	st := q.states[key]
	switch memo.Kind {
	case store.MemoEmitted:
		if !st.hasAlert || memo.TS > st.lastAlert {
			st.lastAlert = memo.TS
			st.hasAlert = true
		}
	case store.MemoSnoozed:
		if memo.NextEligible > st.snoozeUntil {
			st.snoozeUntil = memo.NextEligible
		}
	}
	q.states[key] = st
}

// SnoozeUntil reports the active snooze expiry for a subject, zero if none.
func (q *Quieting) SnoozeUntil(uid, rule string) float64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.states[subject{UID: uid, Rule: rule}].snoozeUntil
}

// Len reports how many subjects carry state.
func (q *Quieting) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.states)
}
