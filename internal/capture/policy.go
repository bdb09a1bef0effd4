package capture

import "time"

// Policy is the read-failure policy for a source kind.
//
// Finite and local sources give up after MaxFailures consecutive read
// failures. Network streams set Reconnect and MaxFailures == 0 so the
// orchestrator re-opens them indefinitely.
type Policy struct {
	Name        string
	Reconnect   bool
	MaxFailures int // 0 means unbounded
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

var (
	// BoundedPolicy stops a file or webcam after 10 consecutive failed reads.
	BoundedPolicy = Policy{
		Name:        "bounded",
		MaxFailures: 10,
		Backoff:     500 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}

	// SingleShotPolicy is used for still images.
	SingleShotPolicy = Policy{Name: "single-shot", MaxFailures: 1}

	// ReconnectPolicy re-opens network streams forever with exponential backoff.
	ReconnectPolicy = Policy{
		Name:       "reconnect",
		Reconnect:  true,
		Backoff:    1 * time.Second,
		MaxBackoff: 30 * time.Second,
	}
)

// PolicyFor returns the failure policy for a source kind.
func PolicyFor(k Kind) Policy {
	switch k {
	case KindImage:
		return SingleShotPolicy
	case KindStream:
		return ReconnectPolicy
	default:
		return BoundedPolicy
	}
}

// Exhausted reports whether failures consecutive read failures end the run.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxFailures > 0 && failures >= p.MaxFailures
}

// Delay returns the pause before the given attempt (1-based):
// Backoff * 2^(attempt-1), capped at MaxBackoff.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 || p.Backoff <= 0 {
		return p.Backoff
	}
	delay := p.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxBackoff > 0 && delay >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}
