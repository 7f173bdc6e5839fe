package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	logx "repartibot/pkg/logx"

	"repartibot/internal/render"
	"repartibot/internal/transport"
)

func TestNormalizeDestination(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "bare local", raw: "5512345678", want: "525512345678"},
		{name: "already canonical", raw: "525512345678", want: "525512345678"},
		{name: "formatted", raw: "+52 (55) 1234-5678", want: "525512345678"},
		{name: "dots as separators", raw: "\t55.1234.5678", want: "525512345678"},
		{name: "letters", raw: "55x2345678", wantErr: true},
		{name: "too short", raw: "12345", wantErr: true},
		{name: "too long", raw: "5255123456789", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := normalizeDestination(tc.raw, "52", 10)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("normalize(%q) = %q, want error", tc.raw, got)
				}
				if !errors.Is(err, errMalformed) {
					t.Fatalf("error = %v, want errMalformed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalize(%q): %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("normalize(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func newExecService(sess *fakeSession, rend *fakeRenderer) *Service {
	prov := &fakeProvider{}
	prov.set(sess, "test", true)
	return New(Config{CountryCode: "52", LocalDigits: 10}, logx.Nop(), prov, rend, nil, nil)
}

func docSpec(folio string) *render.Spec {
	return &render.Spec{
		Folio:    folio,
		Customer: "Cliente de Prueba",
		Title:    "Comprobante",
		Lines:    []render.Line{{Description: "Servicio", Amount: 100}},
		Total:    100,
	}
}

func textItem(dest, body string) *Item {
	return &Item{ID: "it-1", Destination: dest, Class: ClassNormal, Payload: Payload{Kind: KindText, Body: body}}
}

func TestExecuteMalformedNeverTouchesTransport(t *testing.T) {
	sess := newFakeSession()
	s := newExecService(sess, &fakeRenderer{})

	res, fatal := s.executeOne(context.Background(), sess, textItem("not-a-number", "hola"))
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultMalformed {
		t.Fatalf("code = %s, want %s", res.Code, ResultMalformed)
	}
	if calls := sess.callsSnapshot(); len(calls) != 0 {
		t.Fatalf("transport was contacted: %v", calls)
	}
}

func TestExecuteNotRegistered(t *testing.T) {
	sess := newFakeSession()
	sess.notRegistered = map[string]bool{"525512345678": true}
	s := newExecService(sess, &fakeRenderer{})

	res, fatal := s.executeOne(context.Background(), sess, textItem("5512345678", "hola"))
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultNotRegistered {
		t.Fatalf("code = %s, want %s", res.Code, ResultNotRegistered)
	}
	for _, c := range sess.callsSnapshot() {
		if c.op != "probe" {
			t.Fatalf("unexpected %s call after failed probe", c.op)
		}
	}
}

func TestExecuteTextSent(t *testing.T) {
	sess := newFakeSession()
	s := newExecService(sess, &fakeRenderer{})

	res, fatal := s.executeOne(context.Background(), sess, textItem("5512345678", "hola"))
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultSent {
		t.Fatalf("code = %s, want %s", res.Code, ResultSent)
	}
	calls := sess.callsSnapshot()
	last := calls[len(calls)-1]
	if last.op != "text" || last.addr != "525512345678" || last.arg != "hola" {
		t.Fatalf("last call = %+v", last)
	}
}

func TestExecuteMediaDegradesToText(t *testing.T) {
	sess := newFakeSession()
	sess.mediaErr = errors.New("upload rejected")
	s := newExecService(sess, &fakeRenderer{})

	it := &Item{
		ID:          "it-m",
		Destination: "5512345678",
		Payload:     Payload{Kind: KindMedia, MediaURL: "https://example.com/p.jpg", Caption: "su pedido"},
	}
	res, fatal := s.executeOne(context.Background(), sess, it)
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultSentDegraded {
		t.Fatalf("code = %s, want %s", res.Code, ResultSentDegraded)
	}
	calls := sess.callsSnapshot()
	last := calls[len(calls)-1]
	if last.op != "text" {
		t.Fatalf("fallback op = %s, want text", last.op)
	}
	if !strings.Contains(last.arg, "su pedido") || !strings.Contains(last.arg, "https://example.com/p.jpg") {
		t.Fatalf("fallback body %q missing caption or url", last.arg)
	}
}

func TestExecuteDocumentRenderFailureDegrades(t *testing.T) {
	sess := newFakeSession()
	s := newExecService(sess, &fakeRenderer{err: errors.New("font missing")})

	it := &Item{
		ID:          "it-d",
		Destination: "5512345678",
		Payload:     Payload{Kind: KindDocument, Document: docSpec("F-0042")},
	}
	res, fatal := s.executeOne(context.Background(), sess, it)
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultSentDegraded {
		t.Fatalf("code = %s, want %s", res.Code, ResultSentDegraded)
	}
	calls := sess.callsSnapshot()
	last := calls[len(calls)-1]
	if last.op != "text" || !strings.Contains(last.arg, "F-0042") {
		t.Fatalf("fallback = %+v, want text naming the folio", last)
	}
}

func TestExecuteDocumentSent(t *testing.T) {
	sess := newFakeSession()
	s := newExecService(sess, &fakeRenderer{})

	it := &Item{
		ID:          "it-d2",
		Destination: "5512345678",
		Payload:     Payload{Kind: KindDocument, Document: docSpec("F-0043")},
	}
	res, fatal := s.executeOne(context.Background(), sess, it)
	if fatal != nil {
		t.Fatalf("fatal = %v", fatal)
	}
	if res.Code != ResultSent {
		t.Fatalf("code = %s, want %s", res.Code, ResultSent)
	}
	calls := sess.callsSnapshot()
	last := calls[len(calls)-1]
	if last.op != "document" || !strings.Contains(last.arg, "F-0043") {
		t.Fatalf("last call = %+v", last)
	}
}

func TestExecuteFatalOnDeadSession(t *testing.T) {
	sess := newFakeSession()
	sess.textErr = transport.ErrSessionDead
	s := newExecService(sess, &fakeRenderer{})

	_, fatal := s.executeOne(context.Background(), sess, textItem("5512345678", "hola"))
	if !errors.Is(fatal, transport.ErrSessionDead) {
		t.Fatalf("fatal = %v, want ErrSessionDead", fatal)
	}
}

func TestExecuteCanceledContext(t *testing.T) {
	sess := newFakeSession()
	sess.probeErr = context.Canceled
	s := newExecService(sess, &fakeRenderer{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, fatal := s.executeOne(ctx, sess, textItem("5512345678", "hola"))
	if !errors.Is(fatal, context.Canceled) {
		t.Fatalf("fatal = %v, want context.Canceled", fatal)
	}
}
