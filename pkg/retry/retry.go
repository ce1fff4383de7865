// Package retry implements the bounded delivery state machine used by content
// sources, readers and the log writer:
//
//	Idle -> Sent -> AwaitingAck -> {Acked | Retrying(n) | Failed}
//
// A Policy bounds the number of attempts and the wait between them. Exhausting
// the attempts surfaces aggerrors.ErrRetriesExhausted wrapping the last error.
package retry

import (
	"aggregator/pkg/aggerrors"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

var ErrBadTransition = errors.New("retry: invalid state transition")

type State uint8

const (
	Idle State = iota
	Sent
	AwaitingAck
	Acked
	Retrying
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sent:
		return "sent"
	case AwaitingAck:
		return "awaiting_ack"
	case Acked:
		return "acked"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Policy bounds retries. MaxAttempts counts the first try, so 1 disables
// retrying. A Multiplier <= 1 gives a fixed Delay.
type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// Fixed returns a policy with a constant wait between attempts.
func Fixed(attempts int, delay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay}
}

// Exponential returns a policy doubling the wait up to maxDelay.
func Exponential(attempts int, delay, maxDelay time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Delay: delay, Multiplier: 2, MaxDelay: maxDelay}
}

// Wait returns the delay before attempt n+1, n >= 1.
func (p Policy) Wait(n int) time.Duration {
	d := p.Delay
	if p.Multiplier > 1 {
		for i := 1; i < n; i++ {
			d = time.Duration(float64(d) * p.Multiplier)
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
	}
	return d
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Machine tracks the delivery of a single request. It is not safe for
// concurrent use; one request is driven by one goroutine.
type Machine struct {
	policy  Policy
	state   State
	attempt int
	err     error
}

func NewMachine(p Policy) *Machine {
	return &Machine{policy: p}
}

func (m *Machine) State() State { return m.state }

// Attempt returns the number of sends so far.
func (m *Machine) Attempt() int { return m.attempt }

// Err returns the terminal error once the machine is Failed.
func (m *Machine) Err() error { return m.err }

func (m *Machine) Send() error {
	if m.state != Idle && m.state != Retrying {
		return fmt.Errorf("%w: send from %s", ErrBadTransition, m.state)
	}
	m.attempt++
	m.state = Sent
	return nil
}

func (m *Machine) Await() error {
	if m.state != Sent {
		return fmt.Errorf("%w: await from %s", ErrBadTransition, m.state)
	}
	m.state = AwaitingAck
	return nil
}

func (m *Machine) Ack() error {
	if m.state != AwaitingAck {
		return fmt.Errorf("%w: ack from %s", ErrBadTransition, m.state)
	}
	m.state = Acked
	m.err = nil
	return nil
}

// Fail records a failed attempt. It returns the wait before the next attempt
// and true, or false when the machine moved to Failed.
func (m *Machine) Fail(err error) (time.Duration, bool) {
	if m.state != AwaitingAck {
		from := m.state
		m.state = Failed
		m.err = fmt.Errorf("%w: fail from %s: %w", ErrBadTransition, from, err)
		return 0, false
	}

	switch {
	case IsPermanent(err):
		m.state = Failed
		m.err = err
		return 0, false
	case m.attempt >= m.policy.attempts():
		m.state = Failed
		m.err = fmt.Errorf("%w after %d attempt(s): %w", aggerrors.ErrRetriesExhausted, m.attempt, err)
		return 0, false
	}

	m.state = Retrying
	m.err = err
	return m.policy.Wait(m.attempt), true
}

// Do runs op until it succeeds, fails permanently, the policy is exhausted or
// ctx is done. op receives the 1-based attempt number.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	m := NewMachine(p)
	for {
		if err := m.Send(); err != nil {
			return err
		}
		if err := m.Await(); err != nil {
			return err
		}

		err := op(ctx, m.Attempt())
		if err == nil {
			return m.Ack()
		}

		wait, again := m.Fail(err)
		if !again {
			return m.Err()
		}
		slog.Warn("retrying after failure", "attempt", m.Attempt(), "wait", wait, "error", err)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry interrupted after %d attempt(s): %w", m.Attempt(), errors.Join(ctx.Err(), err))
		case <-timer.C:
		}
	}
}
