package manager

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"

	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// Deliverer implements mailstore.DeliveryAgent by appending each message
// to the INBOX of every recipient.
type Deliverer struct {
	m *MailboxManager
}

// NewDeliverer returns a delivery agent appending through m.
func NewDeliverer(m *MailboxManager) *Deliverer {
	return &Deliverer{m: m}
}

// Deliver stores the message for every recipient. Subaddress extensions
// are stripped, so user+folder@example.com delivers to the INBOX of
// user@example.com. Delivery succeeds if at least one recipient got the
// message.
func (d *Deliverer) Deliver(ctx context.Context, envelope mailstore.Envelope, message io.Reader) error {
	if len(envelope.Recipients) == 0 {
		return errors.ErrNoRecipients
	}

	// Read message into memory for multi-recipient delivery
	data, err := io.ReadAll(message)
	if err != nil {
		return err
	}

	var lastErr error
	delivered := 0
	for _, recipient := range envelope.Recipients {
		user := mailstore.ParseRecipient(recipient).Address
		if err := d.deliverTo(ctx, user, envelope, data); err != nil {
			d.m.logger.Warn("delivery failed",
				slog.String("recipient", user),
				slog.String("error", err.Error()))
			lastErr = err
			continue
		}
		delivered++
	}

	if delivered == 0 && lastErr != nil {
		return stderrors.Join(errors.ErrDeliveryFailed, lastErr)
	}
	return nil
}

func (d *Deliverer) deliverTo(ctx context.Context, user string, envelope mailstore.Envelope, data []byte) error {
	session := d.m.CreateSession(user)
	defer session.Close()

	inbox := mailstore.InboxPath(user)
	if err := d.m.CreateMailbox(ctx, session, inbox); err != nil && !stderrors.Is(err, errors.ErrMailboxExists) {
		return err
	}
	mbox, err := d.m.GetMailbox(ctx, session, inbox)
	if err != nil {
		return err
	}
	_, err = mbox.AppendMessage(ctx, session, bytes.NewReader(data), envelope.ReceivedTime, true, mailstore.Flags{})
	return err
}

var _ mailstore.DeliveryAgent = (*Deliverer)(nil)
