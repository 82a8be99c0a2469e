package mailstore

import (
	"bytes"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
)

// HeaderCriterion matches messages whose header Name contains Value.
// An empty Value matches any message carrying the header.
type HeaderCriterion struct {
	Name  string
	Value string
}

// SearchQuery is a conjunction of simple criteria. Zero-valued fields are
// ignored.
type SearchQuery struct {
	UIDs []MessageRange

	Flags    []imap.Flag
	NotFlags []imap.Flag

	Headers []HeaderCriterion

	// Body and Text match case-insensitive substrings of the body, and of
	// the whole message respectively.
	Body []string
	Text []string

	// Since and Before compare the date of the internal date only.
	Since  time.Time
	Before time.Time

	Larger  int64
	Smaller int64

	Not *SearchQuery
	Or  [][2]SearchQuery
}

func (q *SearchQuery) needsContent() bool {
	if len(q.Body) > 0 || len(q.Text) > 0 {
		return true
	}
	if q.Not != nil && q.Not.needsContent() {
		return true
	}
	for _, or := range q.Or {
		if or[0].needsContent() || or[1].needsContent() {
			return true
		}
	}
	return false
}

// Match reports whether msg satisfies every criterion of q.
func (q *SearchQuery) Match(msg *Message) (bool, error) {
	var raw []byte
	if q.needsContent() {
		rc, err := msg.Open()
		if err != nil {
			return false, err
		}
		raw, err = io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return false, err
		}
	}
	return q.match(msg, raw), nil
}

func (q *SearchQuery) match(msg *Message, raw []byte) bool {
	if len(q.UIDs) > 0 {
		in := false
		for _, r := range q.UIDs {
			if r.Contains(msg.UID) {
				in = true
				break
			}
		}
		if !in {
			return false
		}
	}

	for _, flag := range q.Flags {
		if !msg.Flags.Has(flag) {
			return false
		}
	}
	for _, flag := range q.NotFlags {
		if msg.Flags.Has(flag) {
			return false
		}
	}

	for _, hc := range q.Headers {
		if !matchHeader(msg, hc) {
			return false
		}
	}

	if !q.Since.IsZero() && truncateDay(msg.InternalDate).Before(truncateDay(q.Since)) {
		return false
	}
	if !q.Before.IsZero() && !truncateDay(msg.InternalDate).Before(truncateDay(q.Before)) {
		return false
	}

	if q.Larger > 0 && msg.Size <= q.Larger {
		return false
	}
	if q.Smaller > 0 && msg.Size >= q.Smaller {
		return false
	}

	if len(q.Body) > 0 {
		var body []byte
		if msg.BodyOffset <= int64(len(raw)) {
			body = raw[msg.BodyOffset:]
		}
		for _, s := range q.Body {
			if !containsFold(body, s) {
				return false
			}
		}
	}
	for _, s := range q.Text {
		if !containsFold(raw, s) {
			return false
		}
	}

	if q.Not != nil && q.Not.match(msg, raw) {
		return false
	}
	for _, or := range q.Or {
		if !or[0].match(msg, raw) && !or[1].match(msg, raw) {
			return false
		}
	}
	return true
}

func matchHeader(msg *Message, hc HeaderCriterion) bool {
	for _, h := range msg.Headers {
		if !strings.EqualFold(h.Name, hc.Name) {
			continue
		}
		if hc.Value == "" || strings.Contains(strings.ToLower(h.Value), strings.ToLower(hc.Value)) {
			return true
		}
	}
	return false
}

func containsFold(b []byte, s string) bool {
	return bytes.Contains(bytes.ToLower(b), bytes.ToLower([]byte(s)))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
