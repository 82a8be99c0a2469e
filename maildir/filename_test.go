package maildir

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/stretchr/testify/assert"
)

func TestBaseName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"1705678901.M1P2.host", "1705678901.M1P2.host"},
		{"1705678901.M1P2.host,S=1024", "1705678901.M1P2.host"},
		{"1705678901.M1P2.host:2,S", "1705678901.M1P2.host"},
		{"1705678901.M1P2.host,S=1024:2,RS", "1705678901.M1P2.host"},
		{"1705678901.M1P2.host:2,S,S=5", "1705678901.M1P2.host"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseName(tt.name), tt.name)
	}
}

func TestBaseNameSurvivesFlagChanges(t *testing.T) {
	base := generateBaseName(time.Now())
	a := MessageName(base, 42, mailstore.NewFlags(), nil)
	b := MessageName(base, 42, mailstore.NewFlags(imap.FlagSeen, imap.FlagFlagged), nil)
	assert.NotEqual(t, a, b)
	assert.Equal(t, base, BaseName(a))
	assert.Equal(t, BaseName(a), BaseName(b))
}

func TestMessageName(t *testing.T) {
	flags := mailstore.NewFlags(imap.FlagSeen, imap.FlagAnswered, imap.FlagDeleted, mailstore.FlagRecent, "$Junk")
	assert.Equal(t, "base,S=12:2,RST", MessageName("base", 12, flags, nil))
	assert.Equal(t, "base,S=0:2,", MessageName("base", 0, mailstore.NewFlags(), nil))
}

func TestParseMessageName(t *testing.T) {
	info := ParseMessageName("base,S=12:2,DFRST", nil)
	assert.Equal(t, "base", info.Base)
	assert.Equal(t, int64(12), info.Size)
	assert.True(t, info.Flags.Equal(mailstore.NewFlags(
		imap.FlagDraft, imap.FlagFlagged, imap.FlagAnswered, imap.FlagSeen, imap.FlagDeleted,
	)), info.Flags.String())

	info = ParseMessageName("plain", nil)
	assert.Equal(t, "plain", info.Base)
	assert.Equal(t, int64(-1), info.Size)
	assert.True(t, info.Flags.IsEmpty())

	info = ParseMessageName("other:2,Sxz", nil)
	assert.True(t, info.Flags.Equal(mailstore.NewFlags(imap.FlagSeen)))
}

func TestMessageNameKeywords(t *testing.T) {
	kw := &Keywords{}
	changed, dropped := kw.assign(mailstore.NewFlags("$Junk", "Work"))
	assert.True(t, changed)
	assert.Empty(t, dropped)

	flags := mailstore.NewFlags(imap.FlagSeen, "$junk", "Work", "$Unknown")
	name := MessageName("base", 3, flags, kw)
	assert.Equal(t, "base,S=3:2,Sab", name)

	info := ParseMessageName(name, kw)
	assert.True(t, info.Flags.Equal(mailstore.NewFlags(imap.FlagSeen, "$Junk", "Work")), info.Flags.String())
	assert.True(t, ParseMessageName(name, nil).Flags.Equal(mailstore.NewFlags(imap.FlagSeen)))
}

func TestGenerateBaseNameUnique(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		name := generateBaseName(now)
		assert.False(t, seen[name], "duplicate %s", name)
		assert.False(t, strings.ContainsAny(name, ":/,"), name)
		seen[name] = true
	}
}

func TestSanitizeHostname(t *testing.T) {
	assert.Equal(t, "a_b_c_d", sanitizeHostname("a/b:c,d"))
}
