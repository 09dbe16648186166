package testutil

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/hupe1980/taskmesh/core"
)

// FakeWorker is a scripted core.Worker covering the dispatch failure modes
// tests need: normal responses, configurable delay, errors, a worker that
// never acknowledges, and one that acknowledges but never responds.
// Example:
//
//	w := NewFakeWorker("w1", core.CapabilityGenerate).Respond("ok", 0.9)
//	slow := NewFakeWorker("w2", core.CapabilityGenerate).Respond("late", 0.5).Delay(time.Second)
type FakeWorker struct {
	id      string
	caps    map[core.Capability]string
	payload any
	ranked  []any
	conf    float64
	delay   time.Duration
	err     error
	noAck   bool
	silent  bool

	dispatches atomic.Int64
}

// NewFakeWorker creates a fake advertising the given capabilities. With no
// further configuration it responds immediately with payload "ok".
func NewFakeWorker(id string, caps ...core.Capability) *FakeWorker {
	m := map[core.Capability]string{}
	for _, c := range caps {
		m[c] = "fake"
	}
	return &FakeWorker{id: id, caps: m, payload: "ok", conf: 1.0}
}

// Respond sets the scripted payload and confidence (chainable).
func (w *FakeWorker) Respond(payload any, conf float64) *FakeWorker {
	w.payload = payload
	w.conf = conf
	return w
}

// Ranked sets the scripted ranked candidate list (chainable).
func (w *FakeWorker) Ranked(ranked ...any) *FakeWorker {
	w.ranked = ranked
	if len(ranked) > 0 {
		w.payload = ranked[0]
	}
	return w
}

// Delay makes the worker wait before responding (chainable).
func (w *FakeWorker) Delay(d time.Duration) *FakeWorker {
	w.delay = d
	return w
}

// Fail makes every dispatch return err (chainable).
func (w *FakeWorker) Fail(err error) *FakeWorker {
	w.err = err
	return w
}

// NeverAck makes the worker hang before acknowledgment (chainable).
func (w *FakeWorker) NeverAck() *FakeWorker {
	w.noAck = true
	return w
}

// NeverRespond makes the worker acknowledge and then hang (chainable).
func (w *FakeWorker) NeverRespond() *FakeWorker {
	w.silent = true
	return w
}

// Dispatches returns how many dispatches the worker has received.
func (w *FakeWorker) Dispatches() int { return int(w.dispatches.Load()) }

// ID implements core.Worker.
func (w *FakeWorker) ID() string { return w.id }

// Capabilities implements core.Worker.
func (w *FakeWorker) Capabilities() map[core.Capability]string { return w.caps }

// Dispatch implements core.Worker per the scripted behavior.
func (w *FakeWorker) Dispatch(ctx context.Context, req core.DispatchRequest) (<-chan struct{}, <-chan core.DispatchResponse, <-chan error) {
	w.dispatches.Add(1)

	ack := make(chan struct{})
	respCh := make(chan core.DispatchResponse, 1)
	errCh := make(chan error, 1)

	if w.noAck {
		// Channels stay open and empty; the caller's ack timeout fires.
		return ack, respCh, errCh
	}
	close(ack)

	go func() {
		defer close(respCh)
		defer close(errCh)

		if w.silent {
			<-ctx.Done()
			return
		}
		if w.delay > 0 {
			select {
			case <-time.After(w.delay):
			case <-ctx.Done():
				return
			}
		}
		if w.err != nil {
			errCh <- w.err
			return
		}
		respCh <- core.DispatchResponse{
			Payload:    w.payload,
			Confidence: w.conf,
			Ranked:     w.ranked,
			Provenance: core.Provenance{
				WorkerID:   w.id,
				Timestamp:  time.Now().UTC(),
				Duration:   w.delay,
				Confidence: w.conf,
			},
		}
	}()

	return ack, respCh, errCh
}
