package maildir

import (
	"bytes"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadKeywords(t *testing.T) {
	k, err := ReadKeywords("keywords", strings.NewReader("0 $Junk\n\n2 Work\n"))
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{"$Junk", "Work"}, k.Defined())

	l, ok := k.Letter("work")
	assert.True(t, ok)
	assert.Equal(t, byte('c'), l)
	_, ok = k.Keyword('b')
	assert.False(t, ok)
	_, ok = k.Keyword('S')
	assert.False(t, ok)

	var buf bytes.Buffer
	_, err = k.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, "0 $Junk\n2 Work\n", buf.String())
}

func TestReadKeywordsFormatErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		line    int
	}{
		{"missing keyword", "0\n", 1},
		{"bad index", "x $Junk\n", 1},
		{"index out of range", "26 $Junk\n", 1},
		{"duplicate index", "0 a\n0 b\n", 2},
		{"space in keyword", "0 a b\n", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadKeywords("keywords", strings.NewReader(tt.content))
			var fe *errors.FormatError
			require.True(t, stderrors.As(err, &fe), "%v", err)
			assert.Equal(t, tt.line, fe.Line)
		})
	}
}

func TestKeywordsStorable(t *testing.T) {
	var nilTable *Keywords
	flags := mailstore.NewFlags(imap.FlagSeen, "$Junk")
	assert.True(t, nilTable.Storable(flags).Equal(mailstore.NewFlags(imap.FlagSeen)))

	k := &Keywords{}
	changed, dropped := k.assign(mailstore.NewFlags("$Junk", `bad\kw`))
	assert.True(t, changed)
	assert.Equal(t, []imap.Flag{`bad\kw`}, dropped)
	assert.True(t, k.Storable(flags).Equal(flags))

	changed, _ = k.assign(mailstore.NewFlags("$junk"))
	assert.False(t, changed)
}
