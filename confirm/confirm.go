// Package confirm brokers user confirmations for sensitive wallet actions.
// Each request gets its own surface window correlated by id; the surface
// pulls its payload by id, then pushes decision messages back. Whatever
// happens first wins: an explicit decision, the user closing the window, the
// auto-decline timer, or caller cancellation. A request settles exactly once.
package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Auto-decline deadlines. External dApp flows give the user more time than
// confirmations the daemon originates itself.
const (
	DAppAutoDecline     = 120 * time.Second
	InternalAutoDecline = 60 * time.Second
)

var (
	// ErrDeclined is the normalized rejection for every decline path.
	ErrDeclined = errors.New("confirmation declined")

	// ErrUnknownRequest rejects surface messages whose id matches no live
	// request, including requests that already settled.
	ErrUnknownRequest = errors.New("unknown confirmation request")
)

// Window is one open confirmation surface.
type Window interface {
	// Done is closed when the surface goes away without a decision.
	Done() <-chan struct{}
	// Close tears the surface down. Must tolerate repeated calls and an
	// already-gone window.
	Close() error
}

// Opener launches the confirmation surface for a request id. The surface is
// expected to call Broker.Payload(id) to learn what it is confirming.
type Opener interface {
	Open(ctx context.Context, id string) (Window, error)
}

// Handler processes a decision message pushed by the surface. A non-nil
// response marks the terminal decision and closes the request; a nil
// response with nil error means the message was informational.
type Handler func(ctx context.Context, msg json.RawMessage) (response interface{}, err error)

// Params describes one confirmation request.
type Params struct {
	// Payload is what the surface renders for the user.
	Payload interface{}

	// TransformPayload, when set, rewrites the payload at pull time. Used
	// to annotate operation batches with dry-run estimates; errors are
	// advisory and fall back to the raw payload.
	TransformPayload func(ctx context.Context, payload interface{}) (interface{}, error)

	// HandleMessage receives the surface's decision messages.
	HandleMessage Handler

	// OnDecline runs exactly once if the request ends without a decision.
	OnDecline func()

	// Timeout is the auto-decline deadline; zero means DAppAutoDecline.
	Timeout time.Duration
}

type request struct {
	id     string
	params Params

	// mu serializes decision handling against every decline path so at
	// most one decision message ever reaches HandleMessage. err is valid
	// once done is closed.
	mu      sync.Mutex
	settled bool
	done    chan struct{}
	err     error
}

// Broker runs confirmation requests. One instance serves all flows; live
// requests are isolated by id.
type Broker struct {
	opener Opener

	mu       sync.Mutex
	requests map[string]*request
}

func NewBroker(opener Opener) *Broker {
	return &Broker{
		opener:   opener,
		requests: make(map[string]*request),
	}
}

// RequestConfirm opens a surface for the payload and blocks until the
// request settles. It returns nil when the handler produced a terminal
// decision and ErrDeclined (after invoking OnDecline) for timeout, window
// close, and cancellation. Exactly one settling path runs per request.
func (b *Broker) RequestConfirm(ctx context.Context, params Params) error {
	if params.Timeout <= 0 {
		params.Timeout = DAppAutoDecline
	}

	req := &request{
		id:     uuid.NewString(),
		params: params,
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	b.requests[req.id] = req
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.requests, req.id)
		b.mu.Unlock()
	}()

	window, err := b.opener.Open(ctx, req.id)
	if err != nil {
		return err
	}
	defer window.Close()

	timer := time.NewTimer(params.Timeout)
	defer timer.Stop()

	select {
	case <-req.done:
	case <-window.Done():
		b.decline(req, "window closed")
	case <-timer.C:
		b.decline(req, "timed out")
	case <-ctx.Done():
		b.decline(req, "cancelled")
	}

	<-req.done
	return req.err
}

// Payload returns the payload for a live request id. This is the pull-based
// handoff that decouples the surface's startup from window creation.
func (b *Broker) Payload(ctx context.Context, id string) (interface{}, error) {
	req, ok := b.lookup(id)
	if !ok {
		return nil, ErrUnknownRequest
	}

	payload := req.params.Payload
	if req.params.TransformPayload != nil {
		transformed, err := req.params.TransformPayload(ctx, payload)
		if err != nil {
			// Transformation is advisory; show the raw payload.
			log.Warn().Err(err).Str("id", id).Msg("Confirmation payload transform failed")
		} else {
			payload = transformed
		}
	}
	return payload, nil
}

// Deliver routes a decision message from the surface to its request. The
// first message whose handler returns a non-nil response settles the request
// as confirmed. Messages for unknown or already-settled ids are rejected.
func (b *Broker) Deliver(ctx context.Context, id string, msg json.RawMessage) (interface{}, error) {
	req, ok := b.lookup(id)
	if !ok {
		return nil, ErrUnknownRequest
	}

	// The request lock is held across the handler, so only one decision
	// message per request ever runs it, and a decline racing with an
	// in-flight decision waits for its outcome instead of settling over it.
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.settled {
		return nil, ErrUnknownRequest
	}

	response, err := req.params.HandleMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if response == nil {
		return nil, nil
	}

	req.settled = true
	req.err = nil
	close(req.done)
	return response, nil
}

// Decline settles a live request as explicitly declined by the user.
func (b *Broker) Decline(id string) error {
	req, ok := b.lookup(id)
	if !ok {
		return ErrUnknownRequest
	}
	b.decline(req, "declined by user")
	return nil
}

func (b *Broker) decline(req *request, reason string) {
	req.mu.Lock()
	defer req.mu.Unlock()
	if req.settled {
		return
	}
	log.Debug().Str("id", req.id).Str("reason", reason).Msg("Confirmation declined")
	if req.params.OnDecline != nil {
		req.params.OnDecline()
	}
	req.settled = true
	req.err = ErrDeclined
	close(req.done)
}

func (b *Broker) lookup(id string) (*request, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.requests[id]
	if !ok {
		return nil, false
	}
	select {
	case <-req.done:
		return nil, false
	default:
		return req, true
	}
}
