package mailstore

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/textproto"
)

// ParsedMessage is the structure recorded for a message at append time.
type ParsedMessage struct {
	Headers     []Header
	MediaType   string
	SubType     string
	MediaParams map[string]string

	// BodyOffset is the octet offset of the first body byte.
	BodyOffset int64

	// Size is the total message size in octets.
	Size int64

	// TextualLineCount is the number of body lines for text/* messages.
	TextualLineCount int64
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// ParseMessage reads a complete RFC 5322 message from r and records its
// header list, media type and body offset.
func ParseMessage(r io.Reader) (*ParsedMessage, error) {
	cr := &countingReader{r: r}
	br := bufio.NewReader(cr)

	header, err := textproto.ReadHeader(br)
	if err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}
	offset := cr.n - int64(br.Buffered())

	p := &ParsedMessage{BodyOffset: offset}

	fields := header.Fields()
	for line := 1; fields.Next(); line++ {
		p.Headers = append(p.Headers, Header{
			LineNumber: line,
			Name:       fields.Key(),
			Value:      fields.Value(),
		})
	}

	p.MediaType, p.SubType, p.MediaParams = mediaType(header)

	var lines int64
	body, err := countLines(br, &lines)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	p.Size = offset + body
	if p.MediaType == "text" {
		p.TextualLineCount = lines
	}
	return p, nil
}

func mediaType(header textproto.Header) (string, string, map[string]string) {
	msgHeader := gomessage.Header{Header: header}
	if !msgHeader.Has("Content-Type") {
		return "text", "plain", map[string]string{"charset": "us-ascii"}
	}
	t, params, err := msgHeader.ContentType()
	if err != nil || !strings.Contains(t, "/") {
		return "text", "plain", map[string]string{"charset": "us-ascii"}
	}
	i := strings.IndexByte(t, '/')
	return t[:i], t[i+1:], params
}

func countLines(r io.Reader, lines *int64) (int64, error) {
	buf := make([]byte, 32*1024)
	var total int64
	var last byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			*lines += int64(bytes.Count(buf[:n], []byte{'\n'}))
			last = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, err
		}
	}
	if total > 0 && last != '\n' {
		*lines++
	}
	return total, nil
}
