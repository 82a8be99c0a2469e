package mailstore

import (
	"fmt"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore/errors"
)

// RangeType selects how a MessageRange bounds its UIDs.
type RangeType int

const (
	RangeOne RangeType = iota
	RangeFrom
	RangeRange
	RangeAll
)

// MessageRange is a UID window within one mailbox.
type MessageRange struct {
	Type RangeType
	From imap.UID
	To   imap.UID
}

// One selects a single UID.
func One(uid imap.UID) MessageRange {
	return MessageRange{Type: RangeOne, From: uid, To: uid}
}

// FromUID selects uid and everything above it.
func FromUID(uid imap.UID) MessageRange {
	return MessageRange{Type: RangeFrom, From: uid}
}

// Range selects from..to inclusive. The bounds may be given in either order.
func Range(from, to imap.UID) MessageRange {
	if from > to {
		from, to = to, from
	}
	if from == to {
		return One(from)
	}
	return MessageRange{Type: RangeRange, From: from, To: to}
}

// All selects every message.
func All() MessageRange {
	return MessageRange{Type: RangeAll, From: 1}
}

// Validate rejects ranges with a zero lower bound, which no message can
// have.
func (r MessageRange) Validate() error {
	switch r.Type {
	case RangeOne, RangeFrom, RangeRange:
		if r.From == 0 {
			return errors.ErrInvalidRange
		}
	case RangeAll:
	default:
		return errors.ErrInvalidRange
	}
	return nil
}

// Contains reports whether uid is inside the range.
func (r MessageRange) Contains(uid imap.UID) bool {
	switch r.Type {
	case RangeOne:
		return uid == r.From
	case RangeFrom:
		return uid >= r.From
	case RangeRange:
		return uid >= r.From && uid <= r.To
	default:
		return true
	}
}

// Bounds returns the inclusive lower bound and the upper bound, where an
// upper bound of -1 means unbounded.
func (r MessageRange) Bounds() (from, to int64) {
	switch r.Type {
	case RangeOne, RangeRange:
		return int64(r.From), int64(r.To)
	case RangeFrom:
		return int64(r.From), -1
	default:
		return 1, -1
	}
}

// Split breaks a bounded range into consecutive ranges of at most n UIDs.
// Unbounded ranges are returned unchanged.
func (r MessageRange) Split(n int) []MessageRange {
	if n <= 0 || (r.Type != RangeRange && r.Type != RangeOne) {
		return []MessageRange{r}
	}
	var out []MessageRange
	for start := uint64(r.From); start <= uint64(r.To); start += uint64(n) {
		end := start + uint64(n) - 1
		if end > uint64(r.To) {
			end = uint64(r.To)
		}
		out = append(out, Range(imap.UID(start), imap.UID(end)))
	}
	return out
}

// UIDSet converts the range to a go-imap UID set.
func (r MessageRange) UIDSet() imap.UIDSet {
	var set imap.UIDSet
	switch r.Type {
	case RangeOne:
		set.AddNum(r.From)
	case RangeRange:
		set.AddRange(r.From, r.To)
	case RangeFrom:
		set.AddRange(r.From, 0)
	default:
		set.AddRange(1, 0)
	}
	return set
}

func (r MessageRange) String() string {
	switch r.Type {
	case RangeOne:
		return fmt.Sprintf("%d", r.From)
	case RangeFrom:
		return fmt.Sprintf("%d:*", r.From)
	case RangeRange:
		return fmt.Sprintf("%d:%d", r.From, r.To)
	default:
		return "1:*"
	}
}

// RangesFromUIDSet converts a static go-imap UID set. A stop value of zero
// ("*") produces an unbounded range.
func RangesFromUIDSet(set imap.UIDSet) []MessageRange {
	ranges := make([]MessageRange, 0, len(set))
	for _, r := range set {
		switch {
		case r.Start == 0 && r.Stop == 0, r.Start <= 1 && r.Stop == 0:
			ranges = append(ranges, All())
		case r.Stop == 0:
			ranges = append(ranges, FromUID(r.Start))
		case r.Start == 0:
			ranges = append(ranges, FromUID(r.Stop))
		default:
			ranges = append(ranges, Range(r.Start, r.Stop))
		}
	}
	return ranges
}
