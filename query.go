package mailstore

import "strings"

const (
	// FreeWildcard matches any sequence of characters.
	FreeWildcard = '*'
	// LocalWildcard matches any sequence of characters except the delimiter.
	LocalWildcard = '%'
)

// MailboxQuery selects mailboxes by LIST-style pattern.
type MailboxQuery struct {
	// Base is the reference: namespace, user and the name prefix the
	// pattern is relative to.
	Base MailboxPath

	// Pattern may contain FreeWildcard and LocalWildcard.
	Pattern string

	Delimiter rune
}

// Expression returns the full name pattern: the base name joined with the
// pattern.
func (q MailboxQuery) Expression() string {
	delim := q.delimiter()
	switch {
	case q.Base.Name == "":
		return q.Pattern
	case q.Pattern == "":
		return q.Base.Name
	case strings.HasSuffix(q.Base.Name, string(delim)) || strings.HasPrefix(q.Pattern, string(delim)):
		return q.Base.Name + q.Pattern
	default:
		return q.Base.Name + string(delim) + q.Pattern
	}
}

func (q MailboxQuery) delimiter() rune {
	if q.Delimiter == 0 {
		return DefaultDelimiter
	}
	return q.Delimiter
}

// Matches reports whether path is selected by the query.
func (q MailboxQuery) Matches(path MailboxPath) bool {
	if path.Namespace != q.Base.Namespace || path.User != q.Base.User {
		return false
	}
	expr := NormalizeName(q.Expression(), q.delimiter())
	return matchPattern(expr, path.Name, q.delimiter())
}

// IsWild reports whether the pattern contains a wildcard.
func (q MailboxQuery) IsWild() bool {
	return strings.ContainsRune(q.Pattern, FreeWildcard) || strings.ContainsRune(q.Pattern, LocalWildcard)
}

func matchPattern(pattern, name string, delim rune) bool {
	p := []rune(pattern)
	n := []rune(name)
	return matchRunes(p, n, delim)
}

func matchRunes(p, n []rune, delim rune) bool {
	for len(p) > 0 {
		switch p[0] {
		case FreeWildcard:
			for i := len(n); i >= 0; i-- {
				if matchRunes(p[1:], n[i:], delim) {
					return true
				}
			}
			return false
		case LocalWildcard:
			for i := 0; i <= len(n); i++ {
				if matchRunes(p[1:], n[i:], delim) {
					return true
				}
				if i < len(n) && n[i] == delim {
					return false
				}
			}
			return false
		default:
			if len(n) == 0 || n[0] != p[0] {
				return false
			}
			p, n = p[1:], n[1:]
		}
	}
	return len(n) == 0
}
