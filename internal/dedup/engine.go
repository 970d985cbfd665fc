// Package dedup decides whether a candidate message copy has already been
// recorded for a mailbox.
//
// Webhook deliveries are at-least-once and the outbound send path creates its
// own internal mirrors, so the same logical message can reach a mailbox
// through several routes. The engine composes an exact per-mailbox check, a
// synthetic internal-id check for send-path mirrors, and a bounded time-window
// subject+sender fallback for the admin mailbox, where ids from the two
// creation paths are not comparable.
package dedup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kestrelworks/mailroom/internal/message"
)

// fuzzyWindow bounds the subject+sender fallback search.
const fuzzyWindow = 5 * time.Minute

// Store is the slice of the message repository the engine needs.
type Store interface {
	ExistsByMessageID(ctx context.Context, messageID, ownerEmail string) (bool, error)
	FindRecentBySubject(ctx context.Context, ownerEmail, subject string, since time.Time) ([]*message.Message, error)
}

// Engine gates message-copy creation.
type Engine struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine using the real clock.
func NewEngine(store Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger, now: time.Now}
}

// NewEngineAt creates an Engine with an injected clock for tests.
func NewEngineAt(store Store, logger *slog.Logger, now func() time.Time) *Engine {
	return &Engine{store: store, logger: logger, now: now}
}

// IsDuplicateForOwner reports whether the exact (messageId, ownerEmail) pair
// is already stored. Check failures are treated as not-duplicate: losing mail
// to a flaky lookup is worse than a rare extra copy.
func (e *Engine) IsDuplicateForOwner(ctx context.Context, messageID, ownerEmail string) bool {
	exists, err := e.store.ExistsByMessageID(ctx, messageID, ownerEmail)
	if err != nil {
		e.logger.ErrorContext(ctx, "Duplicate check failed, assuming new message",
			slog.String("owner_email", ownerEmail),
			slog.String("error", err.Error()),
		)
		return false
	}
	return exists
}

// AdminCandidate describes an inbound message being considered for the shared
// admin mailbox.
type AdminCandidate struct {
	MessageID        string
	Subject          string
	SenderEmail      string
	SenderIsEmployee bool
	EmployeeCopies   int
}

// ShouldStoreAdminCopy decides whether the inbound path may create the admin
// mailbox copy.
//
// The first two rules are structural, not probabilistic: an employee sender
// already mirrors into the admin mailbox via the outbound path, and a message
// addressed to employees lives in their mailboxes. Only when neither applies
// do the duplicate checks run, short-circuiting on the first hit:
// exact (messageId, admin), then the internal- synthetic id a send-path
// mirror would carry, then subject+sender within the fuzzy window.
func (e *Engine) ShouldStoreAdminCopy(ctx context.Context, c AdminCandidate) bool {
	if c.SenderIsEmployee || c.EmployeeCopies > 0 {
		return false
	}

	if e.IsDuplicateForOwner(ctx, c.MessageID, message.AdminMailbox) {
		return false
	}
	if e.IsDuplicateForOwner(ctx, message.InternalIDPrefix+c.MessageID, message.AdminMailbox) {
		return false
	}

	since := e.now().Add(-fuzzyWindow)
	recent, err := e.store.FindRecentBySubject(ctx, message.AdminMailbox, c.Subject, since)
	if err != nil {
		e.logger.ErrorContext(ctx, "Fuzzy duplicate check failed, assuming new message",
			slog.String("subject", c.Subject),
			slog.String("error", err.Error()),
		)
		return true
	}
	for _, m := range recent {
		if strings.EqualFold(m.From.Email, c.SenderEmail) {
			return false
		}
	}

	return true
}
