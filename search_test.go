package mailstore

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchFixture(t *testing.T) *Message {
	t.Helper()
	raw := "From: alice@example.com\r\nSubject: Quarterly Report\r\n\r\nNumbers are UP this quarter.\r\n"
	p, err := ParseMessage(strings.NewReader(raw))
	require.NoError(t, err)
	return &Message{
		UID:          7,
		InternalDate: time.Date(2024, 3, 15, 22, 0, 0, 0, time.UTC),
		Size:         p.Size,
		BodyOffset:   p.BodyOffset,
		Flags:        NewFlags(imap.FlagSeen, "$Work"),
		Headers:      p.Headers,
		Content:      BytesContent(raw),
	}
}

func TestSearchQueryMatch(t *testing.T) {
	msg := searchFixture(t)
	day := func(d int) time.Time { return time.Date(2024, 3, d, 9, 0, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		query SearchQuery
		want  bool
	}{
		{"empty", SearchQuery{}, true},
		{"uid in range", SearchQuery{UIDs: []MessageRange{Range(5, 9)}}, true},
		{"uid outside", SearchQuery{UIDs: []MessageRange{One(1), FromUID(8)}}, false},
		{"flag", SearchQuery{Flags: []imap.Flag{imap.FlagSeen, "$work"}}, true},
		{"missing flag", SearchQuery{Flags: []imap.Flag{imap.FlagDeleted}}, false},
		{"not flag", SearchQuery{NotFlags: []imap.Flag{imap.FlagSeen}}, false},
		{"header substring", SearchQuery{Headers: []HeaderCriterion{{Name: "subject", Value: "report"}}}, true},
		{"header presence", SearchQuery{Headers: []HeaderCriterion{{Name: "From"}}}, true},
		{"header absent", SearchQuery{Headers: []HeaderCriterion{{Name: "Cc"}}}, false},
		{"body", SearchQuery{Body: []string{"numbers are up"}}, true},
		{"body excludes header", SearchQuery{Body: []string{"quarterly"}}, false},
		{"text includes header", SearchQuery{Text: []string{"quarterly"}}, true},
		{"since same day", SearchQuery{Since: day(15)}, true},
		{"since later", SearchQuery{Since: day(16)}, false},
		{"before same day", SearchQuery{Before: day(15)}, false},
		{"before later", SearchQuery{Before: day(16)}, true},
		{"larger", SearchQuery{Larger: msg.Size - 1}, true},
		{"larger equal", SearchQuery{Larger: msg.Size}, false},
		{"smaller", SearchQuery{Smaller: msg.Size + 1}, true},
		{"not", SearchQuery{Not: &SearchQuery{Flags: []imap.Flag{imap.FlagSeen}}}, false},
		{"or", SearchQuery{Or: [][2]SearchQuery{{
			{Flags: []imap.Flag{imap.FlagDeleted}},
			{Body: []string{"quarter"}},
		}}}, true},
		{"or neither", SearchQuery{Or: [][2]SearchQuery{{
			{Flags: []imap.Flag{imap.FlagDeleted}},
			{Text: []string{"annual"}},
		}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.query.Match(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSearchQueryWithoutContent(t *testing.T) {
	msg := searchFixture(t)
	msg.Content = nil

	ok, err := (&SearchQuery{Flags: []imap.Flag{imap.FlagSeen}}).Match(msg)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = (&SearchQuery{Text: []string{"x"}}).Match(msg)
	assert.Error(t, err)
}
