package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/templewallet/walletd/confirm"
	"github.com/templewallet/walletd/intercom"
)

// Broadcaster pushes notifications to connected frontends.
type Broadcaster interface {
	Broadcast(msg *intercom.Message)
}

// surfaceOpener turns broker open requests into intercom broadcasts. A UI
// client reacts by pulling the payload and attaching itself to the window;
// its disconnect counts as closing the window.
type surfaceOpener struct {
	broadcaster Broadcaster

	mu      sync.Mutex
	windows map[string]*surfaceWindow
}

func newSurfaceOpener(broadcaster Broadcaster) *surfaceOpener {
	return &surfaceOpener{
		broadcaster: broadcaster,
		windows:     make(map[string]*surfaceWindow),
	}
}

type confirmationAnnounce struct {
	ID string `json:"id"`
}

func (o *surfaceOpener) Open(ctx context.Context, id string) (confirm.Window, error) {
	w := &surfaceWindow{done: make(chan struct{})}
	w.onClose = func() {
		o.mu.Lock()
		delete(o.windows, id)
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.windows[id] = w
	o.mu.Unlock()

	msg, err := intercom.Notification(intercom.TypeConfirmationRequested, confirmationAnnounce{ID: id})
	if err != nil {
		w.close()
		return nil, err
	}
	o.broadcaster.Broadcast(msg)

	log.Debug().Str("id", id).Msg("Confirmation surface requested")
	return w, nil
}

// Attach ties a window to the surface serving it. When connCtx ends before
// the window settles, the window counts as closed by the user.
func (o *surfaceOpener) Attach(id string, connCtx context.Context) {
	o.mu.Lock()
	w, ok := o.windows[id]
	o.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		select {
		case <-connCtx.Done():
			w.close()
		case <-w.done:
		}
	}()
}

type surfaceWindow struct {
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func (w *surfaceWindow) Done() <-chan struct{} { return w.done }

func (w *surfaceWindow) Close() error {
	w.close()
	return nil
}

func (w *surfaceWindow) close() {
	w.once.Do(func() {
		close(w.done)
		if w.onClose != nil {
			w.onClose()
		}
	})
}
