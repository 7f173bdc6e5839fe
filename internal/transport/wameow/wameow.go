// Package wameow adapts a whatsmeow client to the transport boundary.
package wameow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	logx "repartibot/pkg/logx"

	"repartibot/internal/transport"
)

const (
	connectTimeout = 20 * time.Second
	// maxMediaBytes bounds what SendMedia will fetch from a URL.
	maxMediaBytes      = 32 << 20
	defaultQRRefreshes = 5
)

type Connector struct {
	log  logx.Logger
	http *http.Client
}

func NewConnector(log logx.Logger) *Connector {
	return &Connector{
		log:  log,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// Connect opens the credential store, brings the socket up and waits until
// the session is usable. Unattended connects against a blank store fail with
// ErrVerificationRequired instead of waiting for a scan that will never come.
func (c *Connector) Connect(ctx context.Context, opts transport.ConnectOptions) (transport.Session, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)", opts.StorePath)
	container, err := sqlstore.New(ctx, "sqlite", dsn, waLog.Noop)
	if err != nil {
		return nil, fmt.Errorf("wameow: open credential store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		container.Close()
		return nil, fmt.Errorf("wameow: load device: %w", err)
	}

	cli := whatsmeow.NewClient(device, waLog.Noop)
	s := &session{
		cli:    cli,
		http:   c.http,
		log:    c.log,
		events: make(chan transport.Event, 16),
	}
	cli.AddEventHandler(s.handleEvent)

	if cli.Store.ID == nil {
		if !opts.Manual {
			container.Close()
			return nil, transport.ErrVerificationRequired
		}
		if err := s.pair(ctx, opts.ManualRetryMax); err != nil {
			s.Close()
			return nil, err
		}
	} else {
		if err := cli.Connect(); err != nil {
			s.Close()
			return nil, fmt.Errorf("wameow: connect: %w", err)
		}
	}

	if !cli.WaitForConnection(connectTimeout) {
		s.Close()
		return nil, fmt.Errorf("wameow: %w: no connection within %s", transport.ErrSessionDead, connectTimeout)
	}
	if !cli.IsLoggedIn() {
		s.Close()
		return nil, transport.ErrNotLoggedIn
	}
	c.log.Info("session up", logx.String("store", opts.StorePath))
	return s, nil
}

type session struct {
	cli  *whatsmeow.Client
	http *http.Client
	log  logx.Logger

	mu     sync.Mutex
	closed bool
	events chan transport.Event
}

// pair runs the QR pairing loop, surfacing each refreshed code to the
// operator via the event channel. Bounded so an unwatched activation cannot
// hang forever.
func (s *session) pair(ctx context.Context, maxRefreshes int) error {
	if maxRefreshes <= 0 {
		maxRefreshes = defaultQRRefreshes
	}
	qrChan, err := s.cli.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("wameow: qr channel: %w", err)
	}
	if err := s.cli.Connect(); err != nil {
		return fmt.Errorf("wameow: connect: %w", err)
	}

	seen := 0
	for item := range qrChan {
		switch item.Event {
		case whatsmeow.QRChannelSuccess.Event:
			return nil
		case "code":
			seen++
			if seen > maxRefreshes {
				return fmt.Errorf("%w: pairing not completed after %d codes",
					transport.ErrVerificationRequired, maxRefreshes)
			}
			s.push(transport.Event{Kind: transport.EventVerification, Code: item.Code})
			s.log.Warn("pairing code issued", logx.Int("attempt", seen))
		case whatsmeow.QRChannelTimeout.Event:
			return fmt.Errorf("%w: pairing timed out", transport.ErrVerificationRequired)
		default:
			return fmt.Errorf("wameow: pairing failed: %s", item.Event)
		}
	}
	return fmt.Errorf("%w: pairing channel closed", transport.ErrVerificationRequired)
}

func (s *session) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.push(transport.Event{Kind: transport.EventReady})
	case *events.StreamReplaced:
		s.push(transport.Event{Kind: transport.EventDisconnected, Reason: "stream replaced"})
	case *events.Disconnected:
		s.push(transport.Event{Kind: transport.EventDisconnected})
	case *events.LoggedOut:
		s.push(transport.Event{Kind: transport.EventLoggedOut, Reason: v.Reason.String()})
	}
}

func (s *session) push(ev transport.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		// Slow consumer; lifecycle events are advisory, drop instead of
		// blocking the whatsmeow event loop.
	}
}

func (s *session) Events() <-chan transport.Event { return s.events }

func (s *session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	s.cli.Disconnect()
}

func (s *session) Logout(ctx context.Context) error {
	return s.cli.Logout(ctx)
}

// IsDeliverable asks the server whether the address has an account.
func (s *session) IsDeliverable(ctx context.Context, address string) (bool, error) {
	resp, err := s.cli.IsOnWhatsApp([]string{"+" + address})
	if err != nil {
		return false, classify(err)
	}
	if len(resp) == 0 {
		return false, nil
	}
	return resp[0].IsIn, nil
}

func (s *session) SendText(ctx context.Context, address, body string) error {
	_, err := s.cli.SendMessage(ctx, userJID(address), &waE2E.Message{
		Conversation: proto.String(body),
	})
	return classify(err)
}

// SendMedia fetches the referenced content, uploads it and sends it typed by
// its sniffed mimetype. Non-image payloads go out as documents.
func (s *session) SendMedia(ctx context.Context, address, url, caption string) error {
	data, mime, err := s.fetch(ctx, url)
	if err != nil {
		return err
	}

	var msg *waE2E.Message
	if strings.HasPrefix(mime, "image/") {
		up, err := s.cli.Upload(ctx, data, whatsmeow.MediaImage)
		if err != nil {
			return classify(err)
		}
		msg = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
			Caption:       proto.String(caption),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	} else {
		up, err := s.cli.Upload(ctx, data, whatsmeow.MediaDocument)
		if err != nil {
			return classify(err)
		}
		msg = &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
			Caption:       proto.String(caption),
			FileName:      proto.String(fileNameFromURL(url)),
			Mimetype:      proto.String(mime),
			URL:           &up.URL,
			DirectPath:    &up.DirectPath,
			MediaKey:      up.MediaKey,
			FileEncSHA256: up.FileEncSHA256,
			FileSHA256:    up.FileSHA256,
			FileLength:    &up.FileLength,
		}}
	}
	_, err = s.cli.SendMessage(ctx, userJID(address), msg)
	return classify(err)
}

func (s *session) SendDocument(ctx context.Context, address, filename string, data []byte, caption string) error {
	up, err := s.cli.Upload(ctx, data, whatsmeow.MediaDocument)
	if err != nil {
		return classify(err)
	}
	msg := &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
		Caption:       proto.String(caption),
		FileName:      proto.String(filename),
		Title:         proto.String(strings.TrimSuffix(filename, ".pdf")),
		Mimetype:      proto.String("application/pdf"),
		URL:           &up.URL,
		DirectPath:    &up.DirectPath,
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    &up.FileLength,
	}}
	_, err = s.cli.SendMessage(ctx, userJID(address), msg)
	return classify(err)
}

func (s *session) fetch(ctx context.Context, url string) (data []byte, mime string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("wameow: media url: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("wameow: fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("wameow: fetch media: status %d", resp.StatusCode)
	}
	data, err = io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("wameow: read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("wameow: media exceeds %d bytes", maxMediaBytes)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && ct != "application/octet-stream" {
		mime, _, _ = strings.Cut(ct, ";")
	} else {
		mime = http.DetectContentType(data)
	}
	return data, strings.TrimSpace(mime), nil
}

func userJID(address string) types.JID {
	return types.NewJID(address, types.DefaultUserServer)
}

// classify maps whatsmeow errors onto the transport taxonomy so the
// scheduler can tell fatal session loss from per-item failures.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, whatsmeow.ErrNotLoggedIn):
		return fmt.Errorf("%w: %v", transport.ErrNotLoggedIn, err)
	case errors.Is(err, whatsmeow.ErrNotConnected), errors.Is(err, whatsmeow.ErrClientIsNil):
		return fmt.Errorf("%w: %v", transport.ErrSessionDead, err)
	default:
		return err
	}
}

func fileNameFromURL(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if q := strings.IndexByte(trimmed, '?'); q >= 0 {
		trimmed = trimmed[:q]
	}
	if i := strings.LastIndexByte(trimmed, '/'); i >= 0 && i+1 < len(trimmed) {
		return trimmed[i+1:]
	}
	return "adjunto"
}
