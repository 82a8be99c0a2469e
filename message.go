package mailstore

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Content gives access to the raw bytes of a stored message.
type Content interface {
	Open() (io.ReadCloser, error)
}

// BytesContent is message content held in memory.
type BytesContent []byte

func (c BytesContent) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c)), nil
}

// FileContent is message content stored in a file.
type FileContent string

func (c FileContent) Open() (io.ReadCloser, error) {
	return os.Open(string(c))
}

// Header is one header field, in message order.
type Header struct {
	LineNumber int
	Name       string
	Value      string
}

// Message is one stored message in one mailbox, independent of the
// backend storing it. A Message is owned by its mailbox; copying to another
// mailbox produces a new Message with its own UID.
type Message struct {
	MailboxID string
	UID       imap.UID

	InternalDate time.Time

	// Size is the message size in octets.
	Size int64

	// BodyOffset is the octet offset of the first body byte.
	BodyOffset int64

	Flags Flags

	Headers []Header

	MediaType        string
	SubType          string
	MediaParams      map[string]string
	TextualLineCount int64

	Content Content
}

// Copy returns a deep copy of the metadata. Content is shared: message
// bytes are never modified after being stored.
func (m *Message) Copy() *Message {
	c := *m
	c.Headers = append([]Header(nil), m.Headers...)
	if m.MediaParams != nil {
		c.MediaParams = make(map[string]string, len(m.MediaParams))
		for k, v := range m.MediaParams {
			c.MediaParams[k] = v
		}
	}
	return &c
}

// Header returns the value of the first header field called name.
func (m *Message) Header(name string) (string, bool) {
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}
	return "", false
}

// Open returns the full message.
func (m *Message) Open() (io.ReadCloser, error) {
	if m.Content == nil {
		return nil, fmt.Errorf("message %d has no content", m.UID)
	}
	return m.Content.Open()
}

// Body returns the message body, without the header.
func (m *Message) Body() (io.ReadCloser, error) {
	rc, err := m.Open()
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, rc, m.BodyOffset); err != nil && err != io.EOF {
		_ = rc.Close()
		return nil, err
	}
	return rc, nil
}

// MessageMetaData is the part of a message carried by events.
type MessageMetaData struct {
	UID          imap.UID
	Flags        Flags
	Size         int64
	InternalDate time.Time
}

// MetaData returns the event view of m.
func (m *Message) MetaData() MessageMetaData {
	return MessageMetaData{
		UID:          m.UID,
		Flags:        m.Flags,
		Size:         m.Size,
		InternalDate: m.InternalDate,
	}
}
