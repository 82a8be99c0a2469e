package mailstore

import (
	"sort"
	"strings"

	"github.com/emersion/go-imap/v2"
)

// FlagRecent marks a message that arrived since a session last looked at the
// mailbox. IMAP4rev2 dropped it from the protocol, so go-imap has no constant.
const FlagRecent imap.Flag = "\\Recent"

type systemFlag uint8

const (
	sysAnswered systemFlag = 1 << iota
	sysDeleted
	sysDraft
	sysFlagged
	sysSeen
	sysRecent
)

// systemFlags is in canonical output order.
var systemFlags = []struct {
	flag imap.Flag
	bit  systemFlag
}{
	{imap.FlagAnswered, sysAnswered},
	{imap.FlagDeleted, sysDeleted},
	{imap.FlagDraft, sysDraft},
	{imap.FlagFlagged, sysFlagged},
	{imap.FlagSeen, sysSeen},
	{FlagRecent, sysRecent},
}

func systemBit(flag imap.Flag) (systemFlag, bool) {
	for _, sf := range systemFlags {
		if strings.EqualFold(string(sf.flag), string(flag)) {
			return sf.bit, true
		}
	}
	return 0, false
}

// Flags is an immutable set of message flags: the system flags plus
// free-form keywords. Every operation returns a new value; the receiver is
// never modified, so a Flags value can be shared freely between layers.
type Flags struct {
	system   systemFlag
	keywords []imap.Flag // sorted by lower-case form, unique
}

// NewFlags returns the set containing the given flags.
func NewFlags(flags ...imap.Flag) Flags {
	return Flags{}.With(flags...)
}

// Has reports whether flag is in the set. Comparison is case-insensitive.
func (f Flags) Has(flag imap.Flag) bool {
	if bit, ok := systemBit(flag); ok {
		return f.system&bit != 0
	}
	_, found := f.keywordIndex(flag)
	return found
}

func (f Flags) keywordIndex(flag imap.Flag) (int, bool) {
	key := strings.ToLower(string(flag))
	i := sort.Search(len(f.keywords), func(i int) bool {
		return strings.ToLower(string(f.keywords[i])) >= key
	})
	return i, i < len(f.keywords) && strings.ToLower(string(f.keywords[i])) == key
}

// With returns f plus flags.
func (f Flags) With(flags ...imap.Flag) Flags {
	out := Flags{system: f.system, keywords: f.keywords}
	copied := false
	for _, flag := range flags {
		if flag == "" {
			continue
		}
		if bit, ok := systemBit(flag); ok {
			out.system |= bit
			continue
		}
		i, found := out.keywordIndex(flag)
		if found {
			continue
		}
		if !copied {
			out.keywords = append([]imap.Flag(nil), out.keywords...)
			copied = true
		}
		out.keywords = append(out.keywords, "")
		copy(out.keywords[i+1:], out.keywords[i:])
		out.keywords[i] = flag
	}
	return out
}

// Without returns f minus flags.
func (f Flags) Without(flags ...imap.Flag) Flags {
	out := Flags{system: f.system, keywords: f.keywords}
	copied := false
	for _, flag := range flags {
		if bit, ok := systemBit(flag); ok {
			out.system &^= bit
			continue
		}
		i, found := out.keywordIndex(flag)
		if !found {
			continue
		}
		if !copied {
			out.keywords = append([]imap.Flag(nil), out.keywords...)
			copied = true
		}
		out.keywords = append(out.keywords[:i], out.keywords[i+1:]...)
	}
	if len(out.keywords) == 0 {
		out.keywords = nil
	}
	return out
}

// Union returns the flags present in f or o.
func (f Flags) Union(o Flags) Flags {
	out := f.With(o.keywords...)
	out.system |= o.system
	return out
}

// Minus returns the flags present in f but not in o.
func (f Flags) Minus(o Flags) Flags {
	out := f.Without(o.keywords...)
	out.system &^= o.system
	return out
}

// Equal reports whether f and o contain the same flags.
func (f Flags) Equal(o Flags) bool {
	if f.system != o.system || len(f.keywords) != len(o.keywords) {
		return false
	}
	for i := range f.keywords {
		if !strings.EqualFold(string(f.keywords[i]), string(o.keywords[i])) {
			return false
		}
	}
	return true
}

// IsEmpty reports whether the set has no flags.
func (f Flags) IsEmpty() bool {
	return f.system == 0 && len(f.keywords) == 0
}

// Keywords returns the user-defined flags.
func (f Flags) Keywords() []imap.Flag {
	return append([]imap.Flag(nil), f.keywords...)
}

// List returns the flags with system flags first, in canonical order.
func (f Flags) List() []imap.Flag {
	l := make([]imap.Flag, 0, len(systemFlags)+len(f.keywords))
	for _, sf := range systemFlags {
		if f.system&sf.bit != 0 {
			l = append(l, sf.flag)
		}
	}
	return append(l, f.keywords...)
}

func (f Flags) String() string {
	l := f.List()
	parts := make([]string, len(l))
	for i, flag := range l {
		parts[i] = string(flag)
	}
	return "(" + strings.Join(parts, " ") + ")"
}

// Apply computes the result of a STORE operation on f. RECENT is a
// session-view attribute: the requested set cannot add, remove or replace
// it, so the current RECENT state always carries over.
func (f Flags) Apply(op imap.StoreFlagsOp, requested Flags) Flags {
	requested = requested.Without(FlagRecent)
	switch op {
	case imap.StoreFlagsAdd:
		return f.Union(requested)
	case imap.StoreFlagsDel:
		return f.Minus(requested)
	default:
		out := requested
		if f.Has(FlagRecent) {
			out = out.With(FlagRecent)
		}
		return out
	}
}

// FlagsUpdate records the flags of one message before and after an update.
type FlagsUpdate struct {
	UID imap.UID
	Old Flags
	New Flags
}

// Changed reports whether the update modified the flags.
func (u FlagsUpdate) Changed() bool {
	return !u.Old.Equal(u.New)
}

// Added returns the flags set by the update.
func (u FlagsUpdate) Added() Flags {
	return u.New.Minus(u.Old)
}

// Removed returns the flags cleared by the update.
func (u FlagsUpdate) Removed() Flags {
	return u.Old.Minus(u.New)
}
