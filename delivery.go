package mailstore

import (
	"context"
	"io"
	"net"
	"strings"
	"time"
)

// DeliveryAgent handles message delivery to storage.
// An MTA calls Deliver() after a message passes filtering.
type DeliveryAgent interface {
	// Deliver stores a message for the specified recipients.
	// envelope contains sender and recipient information.
	// message is the raw RFC 5322 message content.
	Deliver(ctx context.Context, envelope Envelope, message io.Reader) error
}

// Envelope contains the message envelope information from the SMTP transaction.
type Envelope struct {
	// From is the MAIL FROM address (reverse-path).
	From string

	// Recipients contains the RCPT TO addresses (forward-paths).
	Recipients []string

	// ReceivedTime is when the message was received by the server.
	// Zero means now.
	ReceivedTime time.Time

	// ClientIP is the IP address of the connecting client.
	ClientIP net.IP

	// ClientHostname is the hostname provided in EHLO/HELO.
	ClientHostname string
}

// Recipient is a delivery address split into the mailbox owner and the
// subaddress extension.
type Recipient struct {
	// Address is the recipient with the extension removed.
	Address string

	// Extension is the text after the first '+' of the local part.
	Extension string
}

// ParseRecipient strips a "+extension" subaddress from the local part of
// email, so user+folder@example.com delivers to user@example.com.
func ParseRecipient(email string) Recipient {
	local, domain, hasDomain := email, "", false
	if i := strings.LastIndex(email, "@"); i >= 0 {
		local, domain, hasDomain = email[:i], email[i+1:], true
	}

	var ext string
	if i := strings.Index(local, "+"); i >= 0 {
		local, ext = local[:i], local[i+1:]
	}

	if hasDomain {
		return Recipient{Address: local + "@" + domain, Extension: ext}
	}
	return Recipient{Address: local, Extension: ext}
}
