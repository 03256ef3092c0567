package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Ticket is a single use permission to make one request on a route. The
// caller waits for it, makes the request and reports the response headers
// with Done, or gives up with Abandon.
type Ticket struct {
	route       string
	submittedAt time.Time

	granted   chan struct{}
	feedback  chan *Headers
	abandoned chan struct{}
	closed    <-chan struct{}
	global    *GlobalLock

	abandonOnce sync.Once
	doneOnce    sync.Once
}

func newTicket(route string, closed <-chan struct{}, global *GlobalLock) *Ticket {
	return &Ticket{
		route:       route,
		submittedAt: time.Now(),
		granted:     make(chan struct{}, 1),
		feedback:    make(chan *Headers, 1),
		abandoned:   make(chan struct{}),
		closed:      closed,
		global:      global,
	}
}

// Route returns the route the ticket was submitted for.
func (t *Ticket) Route() string {
	return t.route
}

// Wait blocks while the global ratelimit is active and then until the
// ticket is granted. When ctx is done first the ticket is abandoned.
func (t *Ticket) Wait(ctx context.Context) error {
	if t.global != nil {
		if err := t.global.Wait(ctx); err != nil {
			t.Abandon()

			return err
		}
	}

	select {
	case <-t.granted:
		return nil
	case <-ctx.Done():
		t.Abandon()

		return ctx.Err()
	case <-t.closed:
		t.Abandon()

		return ErrRatelimiterClosed
	}
}

// Done reports the headers observed on the response. A nil headers means the
// response carried no ratelimit information.
func (t *Ticket) Done(headers *Headers) {
	t.doneOnce.Do(func() {
		t.feedback <- headers
	})
}

// Abandon releases the ticket without a response.
func (t *Ticket) Abandon() {
	t.abandonOnce.Do(func() {
		close(t.abandoned)
	})
}

// grant hands the ticket to its caller without blocking. It returns false
// when the caller has already gone away. A caller that never collects the
// grant is reclaimed by the feedback timeout.
func (t *Ticket) grant() bool {
	select {
	case <-t.abandoned:
		return false
	default:
	}

	select {
	case t.granted <- struct{}{}:
	default:
	}

	ticketWaits.WithLabelValues(t.route).Observe(time.Since(t.submittedAt).Seconds())

	return true
}

// await waits for the caller to report back.
func (t *Ticket) await(ctx context.Context, timeout time.Duration) (*Headers, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case headers := <-t.feedback:
		return headers, nil
	case <-t.abandoned:
		// Done followed by a deferred Abandon still counts as a report.
		select {
		case headers := <-t.feedback:
			return headers, nil
		default:
			return nil, ErrTicketAbandoned
		}
	case <-timer.C:
		return nil, ErrTicketTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
