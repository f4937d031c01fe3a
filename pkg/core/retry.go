// Registration retry policy (spec §4.6): Server Object resources
// /1/x/17 (retry count), /1/x/18 (retry timer), /1/x/19 (sequence
// delay), /1/x/20 (sequence retry count) drive an exponential back-off
// within a sequence and a longer delay between exhausted sequences,
// falling back to BOOTSTRAPPING or FAILURE once every sequence is
// exhausted. Grounded on pkg/bootstrap's NextRetryDeadline back-off
// shape, generalized to the two-level (retry-within-sequence,
// sequence-of-sequences) structure spec §4.6 adds on top.
package core

// DefaultRetryCount/DefaultRetryTimerS/DefaultSeqDelayTimerS/
// DefaultSeqRetryCount mirror the Server Object's documented defaults
// (spec §6).
const (
	DefaultRetryCount     int   = 5
	DefaultRetryTimerS    int64 = 60
	DefaultSeqDelayTimerS int64 = 86400
	DefaultSeqRetryCount  int   = 1
)

// retryPolicy tracks the registration retry state machine's two
// counters: retry (within the current sequence) and sequence (how many
// full sequences have been exhausted).
type retryPolicy struct {
	RetryCount     int
	RetryTimerS    int64
	SeqDelayTimerS int64
	SeqRetryCount  int

	retry int
	seq   int
}

// newRetryPolicy applies the documented defaults.
func newRetryPolicy() retryPolicy {
	return retryPolicy{
		RetryCount:     DefaultRetryCount,
		RetryTimerS:    DefaultRetryTimerS,
		SeqDelayTimerS: DefaultSeqDelayTimerS,
		SeqRetryCount:  DefaultSeqRetryCount,
	}
}

// reset clears both counters, called when a registration attempt
// actually succeeds.
func (r *retryPolicy) reset() {
	r.retry = 0
	r.seq = 0
}

// next schedules the next retry deadline after a failed REGISTER,
// returning false once every sequence's retry budget is exhausted
// (spec §4.6: "all sequences exhausted -> fall back to BOOTSTRAPPING or
// FAILURE").
//
// Within a sequence, attempt k waits retry_timer * 2^(k-1) (spec §4.6's
// exponential back-off). Once retry_count attempts in the current
// sequence are spent, a new sequence starts after seq_delay_timer,
// up to seq_retry_count sequences.
func (r *retryPolicy) next(nowMs int64) (deadlineMs int64, ok bool) {
	if r.retry < r.RetryCount {
		r.retry++
		delayS := r.RetryTimerS
		for i := 1; i < r.retry; i++ {
			delayS *= 2
		}
		return nowMs + delayS*1000, true
	}
	if r.seq < r.SeqRetryCount {
		r.seq++
		r.retry = 0
		return nowMs + r.SeqDelayTimerS*1000, true
	}
	return 0, false
}
