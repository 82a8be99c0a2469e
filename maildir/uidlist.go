package maildir

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore/errors"
)

// uidListVersion is the only supported uid-list format version.
const uidListVersion = 1

// UidEntry maps a UID to the current file name of its message.
type UidEntry struct {
	UID  imap.UID
	Name string
}

// UidList is the parsed content of a uid-list file:
//
//	<version> <lastUid> <messageCount>
//	<uid> <filename>
//	...
type UidList struct {
	LastUID imap.UID
	Entries []UidEntry
}

// clone returns a copy whose entries can be modified independently.
func (l *UidList) clone() *UidList {
	return &UidList{LastUID: l.LastUID, Entries: append([]UidEntry(nil), l.Entries...)}
}

// Lookup returns the entry for uid.
func (l *UidList) Lookup(uid imap.UID) (UidEntry, bool) {
	for _, e := range l.Entries {
		if e.UID == uid {
			return e, true
		}
	}
	return UidEntry{}, false
}

// Range returns the entries with from <= uid <= to. A to of -1 means no
// upper bound.
func (l *UidList) Range(from, to int64) []UidEntry {
	var out []UidEntry
	for _, e := range l.Entries {
		u := int64(e.UID)
		if u >= from && (to < 0 || u <= to) {
			out = append(out, e)
		}
	}
	return out
}

func (l *UidList) index(uid imap.UID) int {
	for i, e := range l.Entries {
		if e.UID == uid {
			return i
		}
	}
	return -1
}

// add inserts an entry, keeping entries sorted and LastUID at least uid.
func (l *UidList) add(e UidEntry) {
	i := sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].UID >= e.UID })
	if i < len(l.Entries) && l.Entries[i].UID == e.UID {
		l.Entries[i] = e
	} else {
		l.Entries = append(l.Entries, UidEntry{})
		copy(l.Entries[i+1:], l.Entries[i:])
		l.Entries[i] = e
	}
	if e.UID > l.LastUID {
		l.LastUID = e.UID
	}
}

// ReadUidList parses a uid-list. path is used in error messages.
func ReadUidList(path string, r io.Reader) (*UidList, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)

	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return nil, errors.Storage("read", path, err)
		}
		return nil, &errors.FormatError{Path: path, Line: 1, Reason: "missing header"}
	}
	fields := strings.Fields(sc.Text())
	if len(fields) != 3 {
		return nil, &errors.FormatError{Path: path, Line: 1, Reason: "header must have 3 fields"}
	}
	var header [3]uint64
	for i, f := range fields {
		n, err := strconv.ParseUint(f, 10, 32)
		if err != nil {
			return nil, &errors.FormatError{Path: path, Line: 1, Reason: fmt.Sprintf("bad header field %q", f)}
		}
		header[i] = n
	}
	if header[0] != uidListVersion {
		return nil, &errors.FormatError{Path: path, Line: 1, Reason: fmt.Sprintf("unsupported version %d", header[0])}
	}

	l := &UidList{LastUID: imap.UID(header[1])}
	for line := 2; sc.Scan(); line++ {
		text := sc.Text()
		if text == "" {
			continue
		}
		uidField, name, ok := strings.Cut(text, " ")
		if !ok || name == "" {
			return nil, &errors.FormatError{Path: path, Line: line, Reason: "entry must be \"<uid> <filename>\""}
		}
		n, err := strconv.ParseUint(uidField, 10, 32)
		if err != nil || n == 0 {
			return nil, &errors.FormatError{Path: path, Line: line, Reason: fmt.Sprintf("bad uid %q", uidField)}
		}
		l.Entries = append(l.Entries, UidEntry{UID: imap.UID(n), Name: name})
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Storage("read", path, err)
	}

	sort.SliceStable(l.Entries, func(i, j int) bool { return l.Entries[i].UID < l.Entries[j].UID })
	for _, e := range l.Entries {
		if e.UID > l.LastUID {
			l.LastUID = e.UID
		}
	}
	return l, nil
}

// WriteTo writes the list in uid-list format, entries in ascending UID
// order.
func (l *UidList) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var n int64
	c, err := fmt.Fprintf(bw, "%d %d %d\n", uidListVersion, l.LastUID, len(l.Entries))
	n += int64(c)
	if err != nil {
		return n, err
	}
	for _, e := range l.Entries {
		c, err := fmt.Fprintf(bw, "%d %s\n", e.UID, e.Name)
		n += int64(c)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

// writeUidListFile replaces path with the content of l. The list is
// written to a temporary file in the same directory and renamed over path,
// so readers never see a partial file.
func writeUidListFile(path string, l *UidList) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".uidlist-*")
	if err != nil {
		return errors.Storage("create", path, err)
	}
	tmpName := tmp.Name()

	_, err = l.WriteTo(tmp)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpName, path)
	}
	if err != nil {
		_ = os.Remove(tmpName)
		return errors.Storage("write", path, err)
	}

	return nil
}

// readUidListFile parses the uid-list at path.
func readUidListFile(path string) (*UidList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Storage("open", path, err)
	}
	defer func() { _ = f.Close() }()
	return ReadUidList(path, f)
}
