package mailstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRecipient(t *testing.T) {
	tests := []struct {
		in   string
		want Recipient
	}{
		{"user+folder@example.com", Recipient{Address: "user@example.com", Extension: "folder"}},
		{"user@example.com", Recipient{Address: "user@example.com"}},
		{"user+@example.com", Recipient{Address: "user@example.com"}},
		{"user+a+b@example.com", Recipient{Address: "user@example.com", Extension: "a+b"}},
		{"+ext@example.com", Recipient{Address: "@example.com", Extension: "ext"}},
		{`"a@b"+x@example.com`, Recipient{Address: `"a@b"@example.com`, Extension: "x"}},
		{"localuser", Recipient{Address: "localuser"}},
		{"user+ext", Recipient{Address: "user", Extension: "ext"}},
		{"", Recipient{}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseRecipient(tt.in), "%q", tt.in)
	}
}
