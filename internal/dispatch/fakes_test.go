package dispatch

import (
	"context"
	"sync"

	"repartibot/internal/render"
	"repartibot/internal/transport"
)

type sessionCall struct {
	op   string
	addr string
	arg  string
}

// fakeSession records every transport contact and fails on demand.
type fakeSession struct {
	mu    sync.Mutex
	calls []sessionCall

	notRegistered map[string]bool
	probeErr      error
	textErr       error
	mediaErr      error
	docErr        error

	events chan transport.Event
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan transport.Event)}
}

func (f *fakeSession) record(op, addr, arg string) {
	f.mu.Lock()
	f.calls = append(f.calls, sessionCall{op: op, addr: addr, arg: arg})
	f.mu.Unlock()
}

func (f *fakeSession) callsSnapshot() []sessionCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sessionCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeSession) IsDeliverable(_ context.Context, addr string) (bool, error) {
	f.record("probe", addr, "")
	if f.probeErr != nil {
		return false, f.probeErr
	}
	return !f.notRegistered[addr], nil
}

func (f *fakeSession) SendText(_ context.Context, addr, body string) error {
	f.record("text", addr, body)
	return f.textErr
}

func (f *fakeSession) SendMedia(_ context.Context, addr, url, caption string) error {
	f.record("media", addr, url)
	return f.mediaErr
}

func (f *fakeSession) SendDocument(_ context.Context, addr, filename string, _ []byte, _ string) error {
	f.record("document", addr, filename)
	return f.docErr
}

func (f *fakeSession) Events() <-chan transport.Event { return f.events }
func (f *fakeSession) Close()                         {}
func (f *fakeSession) Logout(context.Context) error   { return nil }

type fakeProvider struct {
	mu    sync.Mutex
	sess  transport.Session
	ident string
	ready bool
}

func (p *fakeProvider) Active() (transport.Session, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.ready {
		return nil, "", false
	}
	return p.sess, p.ident, true
}

func (p *fakeProvider) set(sess transport.Session, ident string, ready bool) {
	p.mu.Lock()
	p.sess, p.ident, p.ready = sess, ident, ready
	p.mu.Unlock()
}

type fakeRenderer struct {
	err error
}

func (r *fakeRenderer) Render(spec render.Spec) ([]byte, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []byte("%PDF-fake " + spec.Folio), nil
}
