package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logx "repartibot/pkg/logx"

	"repartibot/internal/dispatch"
	"repartibot/internal/rotator"
)

type fakeDispatcher struct {
	enqueueErr error
	lastReq    dispatch.EnqueueRequest
	cancelOK   bool
	ready      bool
}

func (f *fakeDispatcher) Enqueue(req dispatch.EnqueueRequest) (*dispatch.Item, error) {
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.lastReq = req
	return &dispatch.Item{ID: "item-1", Class: req.Class, Destination: req.Destination}, nil
}

func (f *fakeDispatcher) Cancel(string) bool { return f.cancelOK }

func (f *fakeDispatcher) Status() dispatch.Status {
	return dispatch.Status{Ready: f.ready, ActiveIdentity: "morning"}
}

type fakeIdentities struct {
	activateErr error
	retireErr   error
}

func (f *fakeIdentities) ForceActivate(context.Context, string) error { return f.activateErr }
func (f *fakeIdentities) ForceRetire(string) error                    { return f.retireErr }
func (f *fakeIdentities) Status() []rotator.IdentityStatus {
	return []rotator.IdentityStatus{{Name: "morning", State: rotator.StateReady, Active: true}}
}

func newTestServer(cfg Config, disp *fakeDispatcher, ids *fakeIdentities) *Server {
	if disp == nil {
		disp = &fakeDispatcher{ready: true}
	}
	if ids == nil {
		ids = &fakeIdentities{}
	}
	return New(cfg, disp, ids, nil, logx.Nop())
}

func doJSON(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

const enqueueBody = `{"destination":"5512345678","kind":"text","body":"hola"}`

func TestAuthSplit(t *testing.T) {
	s := newTestServer(Config{AuthToken: "sekrit"}, nil, nil)

	if rec := doJSON(s, http.MethodGet, "/api/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: %d, want 401", rec.Code)
	}
	if rec := doJSON(s, http.MethodGet, "/api/status", "wrong", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: %d, want 403", rec.Code)
	}
	if rec := doJSON(s, http.MethodGet, "/api/status", "sekrit", ""); rec.Code != http.StatusOK {
		t.Fatalf("good token: %d, want 200", rec.Code)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	s := newTestServer(Config{AuthToken: "sekrit"}, nil, nil)
	rec := doJSON(s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ready":true`) {
		t.Fatalf("healthz body = %s", rec.Body.String())
	}
}

func TestEnqueueAccepted(t *testing.T) {
	disp := &fakeDispatcher{ready: true}
	s := newTestServer(Config{}, disp, nil)

	rec := doJSON(s, http.MethodPost, "/api/enqueue", "", `{"destination":"5512345678","class":"priority","urgent":true,"kind":"text","body":"hola"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s, want 202", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"id":"item-1"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if disp.lastReq.Class != dispatch.ClassPriority || !disp.lastReq.Urgent {
		t.Fatalf("request mapped to %+v", disp.lastReq)
	}
}

func TestEnqueueNotReady(t *testing.T) {
	s := newTestServer(Config{}, &fakeDispatcher{enqueueErr: dispatch.ErrNotReady}, nil)
	rec := doJSON(s, http.MethodPost, "/api/enqueue", "", enqueueBody)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestEnqueueOutsideHours(t *testing.T) {
	s := newTestServer(Config{}, &fakeDispatcher{enqueueErr: dispatch.ErrOutsideHours}, nil)
	rec := doJSON(s, http.MethodPost, "/api/enqueue", "", enqueueBody)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestEnqueueWaitTimeoutFallsBackToAccepted(t *testing.T) {
	s := newTestServer(Config{}, nil, nil)
	s.waitFor = 20 * time.Millisecond

	// The fake item has no completion channel, so the wait can only end by
	// timeout and the handler degrades to the async contract.
	rec := doJSON(s, http.MethodPost, "/api/enqueue?wait=true", "", enqueueBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestThrottle(t *testing.T) {
	s := newTestServer(Config{EnqueuePerSec: 1}, nil, nil)

	if rec := doJSON(s, http.MethodPost, "/api/enqueue", "", enqueueBody); rec.Code != http.StatusAccepted {
		t.Fatalf("first: %d, want 202", rec.Code)
	}
	if rec := doJSON(s, http.MethodPost, "/api/enqueue", "", enqueueBody); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", rec.Code)
	}
}

func TestCancel(t *testing.T) {
	s := newTestServer(Config{}, &fakeDispatcher{cancelOK: true}, nil)
	if rec := doJSON(s, http.MethodDelete, "/api/items/item-1", "", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	s = newTestServer(Config{}, &fakeDispatcher{cancelOK: false}, nil)
	if rec := doJSON(s, http.MethodDelete, "/api/items/item-1", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestIdentityRoutes(t *testing.T) {
	s := newTestServer(Config{}, nil, &fakeIdentities{})
	if rec := doJSON(s, http.MethodPost, "/api/identities/morning/activate", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("activate: %d, want 200", rec.Code)
	}

	s = newTestServer(Config{}, nil, &fakeIdentities{activateErr: rotator.ErrUnknownIdentity})
	if rec := doJSON(s, http.MethodPost, "/api/identities/nope/activate", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown activate: %d, want 404", rec.Code)
	}

	s = newTestServer(Config{}, nil, &fakeIdentities{})
	if rec := doJSON(s, http.MethodPost, "/api/identities/morning/retire", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("retire: %d, want 200", rec.Code)
	}
}
