package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "repartibot/pkg/logx"

	"repartibot/internal/transport"
)

// destination separators tolerated by normalization; anything else
// (letters, slashes, ...) makes the destination malformed.
const destNoise = " \t-().+"

var errMalformed = errors.New("malformed destination")

// normalizeDestination strips formatting noise and canonicalizes the number
// to country code + subscriber digits. A bare local number gets the country
// code prefixed; anything that doesn't land on an accepted length pattern is
// rejected with no retry.
func normalizeDestination(raw, countryCode string, localDigits int) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case strings.ContainsRune(destNoise, r):
			// separator noise, drop
		default:
			return "", fmt.Errorf("%w: unexpected character %q", errMalformed, r)
		}
	}
	digits := b.String()
	if digits == "" {
		return "", fmt.Errorf("%w: no digits", errMalformed)
	}

	switch {
	case len(digits) == localDigits:
		return countryCode + digits, nil
	case len(digits) == len(countryCode)+localDigits && strings.HasPrefix(digits, countryCode):
		return digits, nil
	default:
		return "", fmt.Errorf("%w: %d digits do not match an accepted pattern", errMalformed, len(digits))
	}
}

// fatalSend reports whether err means the session is beyond per-item
// recovery (the whole process must restart on a fresh session).
func fatalSend(err error) bool {
	return errors.Is(err, transport.ErrSessionDead) || errors.Is(err, transport.ErrNotLoggedIn)
}

// executeOne runs a single dequeued item against the live session.
//
// The returned fatal error is non-nil only when the process-level
// supervisor must take over (dead session, or shutdown mid-flight); in that
// case res is meaningless and the item is left unresolved for the journal.
func (s *Service) executeOne(ctx context.Context, sess transport.Session, it *Item) (res Result, fatal error) {
	addr, err := normalizeDestination(it.Destination, s.countryCode(), s.localDigits())
	if err != nil {
		// Terminal, and deliberately before any transport contact.
		return Result{Code: ResultMalformed, Detail: err.Error()}, nil
	}

	// Typing simulation: suspend before first contacting the transport.
	if err := s.pause(ctx, s.drawTypingDelay()); err != nil {
		return Result{}, err
	}

	deliverable, err := sess.IsDeliverable(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if fatalSend(err) {
			return Result{}, err
		}
		return Result{Code: ResultSendFailed, Detail: "deliverability probe: " + err.Error()}, nil
	}
	if !deliverable {
		return Result{Code: ResultNotRegistered, Detail: addr + " is not a registered endpoint"}, nil
	}

	switch it.Payload.Kind {
	case KindText:
		err = sess.SendText(ctx, addr, it.Payload.Body)
		if err == nil {
			return Result{Code: ResultSent}, nil
		}
		return s.sendFailure(ctx, err)

	case KindMedia:
		err = sess.SendMedia(ctx, addr, it.Payload.MediaURL, it.Payload.Caption)
		if err == nil {
			return Result{Code: ResultSent}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		if fatalSend(err) {
			return Result{}, err
		}
		// Never silently drop the notification: fall back to the caption
		// annotated with the original reference.
		s.log.Warn("media send failed; degrading to text", logx.String("item", it.ID), logx.Err(err))
		body := strings.TrimSpace(it.Payload.Caption + "\n" + it.Payload.MediaURL)
		return s.degradeToText(ctx, sess, addr, body)

	case KindDocument:
		doc := it.Payload.Document
		if doc == nil {
			return Result{Code: ResultSendFailed, Detail: "document payload without render spec"}, nil
		}
		data, rerr := s.renderer.Render(*doc)
		if rerr == nil {
			err = sess.SendDocument(ctx, addr, "comprobante-"+doc.Folio+".pdf", data, it.Payload.Caption)
			if err == nil {
				return Result{Code: ResultSent}, nil
			}
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			if fatalSend(err) {
				return Result{}, err
			}
		}
		if rerr != nil {
			s.log.Warn("document render failed; degrading to text", logx.String("item", it.ID), logx.String("folio", doc.Folio), logx.Err(rerr))
		} else {
			s.log.Warn("document send failed; degrading to text", logx.String("item", it.ID), logx.String("folio", doc.Folio), logx.Err(err))
		}
		// The recipient must not be left with nothing: send a notice that
		// names the folio so they can follow up.
		notice := fmt.Sprintf("No fue posible adjuntar su comprobante (folio %s). Puede solicitarlo respondiendo a este mensaje.", doc.Folio)
		if c := strings.TrimSpace(it.Payload.Caption); c != "" {
			notice = c + "\n" + notice
		}
		return s.degradeToText(ctx, sess, addr, notice)

	default:
		return Result{Code: ResultSendFailed, Detail: ErrUnknownKind.Error() + ": " + it.Payload.Kind}, nil
	}
}

func (s *Service) degradeToText(ctx context.Context, sess transport.Session, addr, body string) (Result, error) {
	err := sess.SendText(ctx, addr, body)
	if err == nil {
		return Result{Code: ResultSentDegraded}, nil
	}
	return s.sendFailure(ctx, err)
}

func (s *Service) sendFailure(ctx context.Context, err error) (Result, error) {
	if ctx.Err() != nil {
		return Result{}, ctx.Err()
	}
	if fatalSend(err) {
		return Result{}, err
	}
	// Isolated send failure: terminal for this item, the queue continues.
	return Result{Code: ResultSendFailed, Detail: err.Error()}, nil
}

// pause sleeps for d unless the context ends first.
func (s *Service) pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
