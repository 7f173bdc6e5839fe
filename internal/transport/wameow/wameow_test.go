package wameow

import (
	"errors"
	"testing"

	"go.mau.fi/whatsmeow"

	"repartibot/internal/transport"
)

func TestFileNameFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://cdn.example.com/photos/pedido.jpg", "pedido.jpg"},
		{"https://cdn.example.com/photos/pedido.jpg?token=abc", "pedido.jpg"},
		{"https://cdn.example.com/", "cdn.example.com"},
		{"", "adjunto"},
	}
	for _, tc := range cases {
		if got := fileNameFromURL(tc.url); got != tc.want {
			t.Errorf("fileNameFromURL(%q) = %q, want %q", tc.url, got, tc.want)
		}
	}
}

func TestClassify(t *testing.T) {
	if err := classify(nil); err != nil {
		t.Fatalf("classify(nil) = %v", err)
	}
	if err := classify(whatsmeow.ErrNotConnected); !errors.Is(err, transport.ErrSessionDead) {
		t.Fatalf("ErrNotConnected mapped to %v", err)
	}
	if err := classify(whatsmeow.ErrNotLoggedIn); !errors.Is(err, transport.ErrNotLoggedIn) {
		t.Fatalf("ErrNotLoggedIn mapped to %v", err)
	}
	plain := errors.New("upload rejected")
	if err := classify(plain); !errors.Is(err, plain) {
		t.Fatalf("plain error mapped to %v", err)
	}
}
