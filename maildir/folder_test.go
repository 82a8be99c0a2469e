package maildir

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/pathlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newFolder(t *testing.T) *Folder {
	t.Helper()
	f := NewFolder(filepath.Join(t.TempDir(), "mbox"), nil, nil, nil)
	require.NoError(t, f.Create())
	return f
}

func addMessage(t *testing.T, f *Folder, flags ...imap.Flag) imap.UID {
	t.Helper()
	u, err := f.IncrementLastUID()
	require.NoError(t, err)
	_, _, err = f.AddMessage(u, strings.NewReader("Subject: x\r\n\r\nbody\r\n"), mailstore.NewFlags(flags...), time.Time{})
	require.NoError(t, err)
	return u
}

// dropFile writes a message file the way an external delivery agent would.
func dropFile(t *testing.T, f *Folder, sub, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), sub, name), []byte("Subject: y\r\n\r\n"), 0600))
}

// ageDirs moves the directory timestamps into the past so the uid-list
// looks current.
func ageDirs(t *testing.T, f *Folder) {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	for _, sub := range []string{"cur", "new"} {
		require.NoError(t, os.Chtimes(filepath.Join(f.Path(), sub), past, past))
	}
}

func readListFile(t *testing.T, f *Folder) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.Path(), UidListFile))
	require.NoError(t, err)
	return data
}

func entryUIDs(entries []UidEntry) []imap.UID {
	out := make([]imap.UID, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.UID)
	}
	return out
}

func TestColdStartNumbersExistingFiles(t *testing.T) {
	f := newFolder(t)
	dropFile(t, f, "new", "b.host")
	dropFile(t, f, "cur", "c.host:2,S")
	dropFile(t, f, "cur", "a.host:2,")

	l, err := f.ReadUidList()
	require.NoError(t, err)
	assert.Equal(t, imap.UID(3), l.LastUID)
	assert.Equal(t, []UidEntry{{1, "a.host:2,"}, {2, "c.host:2,S"}, {3, "b.host"}}, l.Entries)
}

func TestColdStartResetsRecordedValidity(t *testing.T) {
	f := newFolder(t)
	require.NoError(t, f.SetUIDValidity(100))
	dropFile(t, f, "cur", "a.host:2,")

	_, err := f.ReadUidList()
	require.NoError(t, err)
	v, err := f.UIDValidity()
	require.NoError(t, err)
	assert.NotEqual(t, uint32(100), v)
}

func TestAppendAndRange(t *testing.T) {
	f := newFolder(t)
	var uids []imap.UID
	for i := 0; i < 5; i++ {
		uids = append(uids, addMessage(t, f, imap.FlagSeen))
	}
	assert.Equal(t, []imap.UID{1, 2, 3, 4, 5}, uids)

	entries, err := f.Range(2, 4)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{2, 3, 4}, entryUIDs(entries))

	entries, err = f.Range(4, -1)
	require.NoError(t, err)
	assert.Equal(t, []imap.UID{4, 5}, entryUIDs(entries))

	e, ok, err := f.Lookup(3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ParseMessageName(e.Name, nil).Flags.Has(imap.FlagSeen))
	_, err = os.Stat(filepath.Join(f.Path(), "cur", e.Name))
	assert.NoError(t, err)
}

func TestAddMessageRecentGoesToNew(t *testing.T) {
	f := newFolder(t)
	u := addMessage(t, f, mailstore.FlagRecent)
	e, ok, err := f.Lookup(u)
	require.NoError(t, err)
	require.True(t, ok)
	_, isNew, err := f.locate(e.Name)
	require.NoError(t, err)
	assert.True(t, isNew)

	stored, err := f.UpdateFlags(u, mailstore.NewFlags(imap.FlagSeen, mailstore.FlagRecent))
	require.NoError(t, err)
	assert.True(t, stored.Equal(mailstore.NewFlags(imap.FlagSeen, mailstore.FlagRecent)), stored.String())

	stored, err = f.UpdateFlags(u, mailstore.NewFlags(imap.FlagSeen))
	require.NoError(t, err)
	assert.True(t, stored.Equal(mailstore.NewFlags(imap.FlagSeen)), stored.String())
	e, _, err = f.Lookup(u)
	require.NoError(t, err)
	_, isNew, err = f.locate(e.Name)
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Contains(t, e.Name, ":2,S")
}

func TestRebuildIsIdempotent(t *testing.T) {
	f := newFolder(t)
	addMessage(t, f)
	addMessage(t, f, imap.FlagSeen)
	dropFile(t, f, "new", "orphan.host")

	_, err := f.Rebuild()
	require.NoError(t, err)
	first := readListFile(t, f)

	_, err = f.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, first, readListFile(t, f))
}

func TestOrphanEnrollment(t *testing.T) {
	f := newFolder(t)
	addMessage(t, f)
	addMessage(t, f)
	ageDirs(t, f)

	before, err := f.LastUID()
	require.NoError(t, err)

	dropFile(t, f, "cur", "orphan.host:2,S")
	for i := 0; i < 3; i++ {
		l, err := f.ReadUidList()
		require.NoError(t, err)
		var assigned []imap.UID
		for _, e := range l.Entries {
			if BaseName(e.Name) == "orphan.host" {
				assigned = append(assigned, e.UID)
			}
		}
		require.Len(t, assigned, 1)
		assert.Equal(t, before+1, assigned[0])
		assert.Equal(t, before+1, l.LastUID)

		_, err = f.Rebuild()
		require.NoError(t, err)
	}
}

func TestRebuildFollowsRenamesAndDropsMissing(t *testing.T) {
	f := newFolder(t)
	u1 := addMessage(t, f)
	u2 := addMessage(t, f)

	e1, _, err := f.Lookup(u1)
	require.NoError(t, err)
	renamed := BaseName(e1.Name) + ":2,FS"
	require.NoError(t, os.Rename(filepath.Join(f.Path(), "cur", e1.Name), filepath.Join(f.Path(), "cur", renamed)))

	e2, _, err := f.Lookup(u2)
	require.NoError(t, err)
	require.NoError(t, os.Remove(filepath.Join(f.Path(), "cur", e2.Name)))

	l, err := f.Rebuild()
	require.NoError(t, err)
	assert.Equal(t, []UidEntry{{u1, renamed}}, l.Entries)
	assert.Equal(t, u2, l.LastUID, "dropping an entry must not lower LastUID")
}

func TestDeleteMissingFileSucceeds(t *testing.T) {
	f := newFolder(t)
	u := addMessage(t, f)
	e, _, err := f.Lookup(u)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.Path(), "cur", e.Name)))
	ageDirs(t, f)

	require.NoError(t, f.DeleteMessage(u))
	_, ok, err := f.Lookup(u)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, f.DeleteMessage(u), errors.ErrMessageNotFound)
}

func TestConcurrentAppendsKeepHeaderConsistent(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "mbox")
	cache, err := lru.New[string, cachedList](4)
	require.NoError(t, err)
	locker := pathlock.NewFileLocker(false)
	require.NoError(t, NewFolder(dir, locker, cache, nil).Create())

	const workers, perWorker = 8, 10
	var mu sync.Mutex
	seen := make(map[imap.UID]bool)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			// Separate Folder values share the lock manager and cache,
			// as they do when a Store hands them out.
			f := NewFolder(dir, locker, cache, nil)
			for i := 0; i < perWorker; i++ {
				u, err := f.IncrementLastUID()
				if err != nil {
					return err
				}
				if _, _, err := f.AddMessage(u, strings.NewReader(fmt.Sprintf("Subject: %d\r\n\r\n", u)), mailstore.NewFlags(), time.Time{}); err != nil {
					return err
				}
				mu.Lock()
				dup := seen[u]
				seen[u] = true
				mu.Unlock()
				if dup {
					return fmt.Errorf("uid %d assigned twice", u)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	file, err := os.Open(filepath.Join(dir, UidListFile))
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	sc := bufio.NewScanner(file)
	require.True(t, sc.Scan())
	var version, last, count int
	_, err = fmt.Sscanf(sc.Text(), "%d %d %d", &version, &last, &count)
	require.NoError(t, err)
	lines := 0
	for sc.Scan() {
		lines++
	}
	assert.Equal(t, workers*perWorker, count)
	assert.Equal(t, count, lines)
	assert.Equal(t, workers*perWorker, last)
}

func TestUIDValidityFile(t *testing.T) {
	f := newFolder(t)
	v, err := f.UIDValidity()
	require.NoError(t, err)
	assert.NotZero(t, v)

	again, err := f.UIDValidity()
	require.NoError(t, err)
	assert.Equal(t, v, again)

	for _, content := range []string{"0", "abc", "18446744073709551616"} {
		require.NoError(t, os.WriteFile(filepath.Join(f.Path(), UidValidityFile), []byte(content), 0600))
		_, err := f.UIDValidity()
		assert.ErrorIs(t, err, errors.ErrUidListFormat, content)
	}
}

func TestUIDValidityFoldsWideValues(t *testing.T) {
	f := newFolder(t)
	path := filepath.Join(f.Path(), UidValidityFile)

	tests := []struct {
		content string
		want    uint32
	}{
		{"1700000000000", 0xCFE5698B},
		{"4294967296", 1},
		{"4294967295", math.MaxUint32},
		{"17", 17},
	}
	for _, tt := range tests {
		require.NoError(t, os.WriteFile(path, []byte(tt.content), 0600))
		v, err := f.UIDValidity()
		require.NoError(t, err, tt.content)
		assert.Equal(t, tt.want, v, tt.content)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, tt.content, string(data))
	}
}

func TestResetUIDValidity(t *testing.T) {
	f := newFolder(t)
	path := filepath.Join(f.Path(), UidValidityFile)

	require.NoError(t, f.SetUIDValidity(math.MaxUint32))
	v, err := f.ResetUIDValidity()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), v)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))
	v, err = f.ResetUIDValidity()
	require.NoError(t, err)
	assert.NotZero(t, v)
	got, err := f.UIDValidity()
	require.NoError(t, err)
	assert.Equal(t, v, got)

	require.NoError(t, os.Remove(path))
	require.NoError(t, os.Mkdir(path, 0700))
	_, err = f.ResetUIDValidity()
	assert.Error(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestKeywordsArePersisted(t *testing.T) {
	f := newFolder(t)
	u := addMessage(t, f, "$Junk")

	kw, err := f.Keywords()
	require.NoError(t, err)
	assert.Equal(t, []imap.Flag{"$Junk"}, kw.Defined())
	data, err := os.ReadFile(filepath.Join(f.Path(), KeywordsFile))
	require.NoError(t, err)
	assert.Equal(t, "0 $Junk\n", string(data))

	stored, err := f.UpdateFlags(u, mailstore.NewFlags("$junk", "NonJunk", imap.FlagSeen))
	require.NoError(t, err)
	assert.True(t, stored.Equal(mailstore.NewFlags("$Junk", "NonJunk", imap.FlagSeen)), stored.String())

	e, ok, err := f.Lookup(u)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, e.Name, ":2,Sab")
	kw, err = f.Keywords()
	require.NoError(t, err)
	assert.True(t, ParseMessageName(e.Name, kw).Flags.Equal(stored))
}

func TestKeywordsBeyondCapacityAreDropped(t *testing.T) {
	f := newFolder(t)
	var many []imap.Flag
	for i := 0; i < MaxKeywords; i++ {
		many = append(many, imap.Flag(fmt.Sprintf("kw%02d", i)))
	}
	u := addMessage(t, f, many...)

	stored, err := f.UpdateFlags(u, mailstore.NewFlags(append(many, "overflow")...))
	require.NoError(t, err)
	assert.False(t, stored.Has("overflow"))
	assert.Len(t, stored.Keywords(), MaxKeywords)

	kw, err := f.Keywords()
	require.NoError(t, err)
	assert.True(t, kw.Full())
}

func TestCorruptUidListIsReported(t *testing.T) {
	f := newFolder(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.Path(), UidListFile), []byte("garbage\n"), 0600))
	_, err := f.ReadUidList()
	assert.ErrorIs(t, err, errors.ErrUidListFormat)
}

func TestMissingFolder(t *testing.T) {
	f := NewFolder(filepath.Join(t.TempDir(), "absent"), nil, nil, nil)
	assert.False(t, f.Exists())
	_, err := f.ReadUidList()
	assert.ErrorIs(t, err, errors.ErrMaildirNotFound)
}
