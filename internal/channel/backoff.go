package channel

import "time"

// backoff produces the delay sequence for reconnect attempts: the initial
// delay doubles on each call up to the ceiling. Not safe for concurrent use;
// each reconnect cycle owns its own instance.
type backoff struct {
	initial time.Duration
	max     time.Duration
	next    time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max}
}

// Next returns the delay to wait before the upcoming attempt.
func (b *backoff) Next() time.Duration {
	if b.next == 0 {
		b.next = b.initial
	}
	d := b.next
	b.next *= 2
	if b.next > b.max {
		b.next = b.max
	}
	return d
}
