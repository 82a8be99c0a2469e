package maildir

import (
	stderrors "errors"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
	"github.com/infodancer/mailstore/pathlock"
)

// Metadata files kept in each folder next to cur/, new/ and tmp/.
const (
	UidListFile     = "mailstore-uidlist"
	UidValidityFile = "mailstore-uidvalidity"
	MailboxIDFile   = "mailstore-mailboxid"
)

// cachedList is a parsed uid-list together with the file state it was
// parsed from.
type cachedList struct {
	modTime time.Time
	size    int64
	list    *UidList
}

// Folder is one maildir directory holding one mailbox.
type Folder struct {
	path   string
	locker *pathlock.FileLocker
	cache  *lru.Cache[string, cachedList]
	logger *slog.Logger
}

// NewFolder returns the folder at path. It does not create the directory;
// use Create() for that. cache may be nil.
func NewFolder(path string, locker *pathlock.FileLocker, cache *lru.Cache[string, cachedList], logger *slog.Logger) *Folder {
	if locker == nil {
		locker = pathlock.NewFileLocker(false)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Folder{path: path, locker: locker, cache: cache, logger: logger}
}

// Path returns the maildir path.
func (f *Folder) Path() string {
	return f.path
}

func (f *Folder) uidListPath() string {
	return filepath.Join(f.path, UidListFile)
}

// Create creates the maildir directory structure (new, cur, tmp).
func (f *Folder) Create() error {
	if f.Exists() {
		return nil
	}
	// Ensure parent directories exist (needed when maildirSubdir is set)
	if err := os.MkdirAll(f.path, 0700); err != nil {
		return errors.Storage("mkdir", f.path, err)
	}
	if err := maildir.Dir(f.path).Init(); err != nil {
		return errors.Storage("init", f.path, err)
	}
	return nil
}

// Exists checks if the maildir exists and has the required structure.
func (f *Folder) Exists() bool {
	for _, sub := range []string{"new", "cur", "tmp"} {
		info, err := os.Stat(filepath.Join(f.path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// UIDValidity returns the folder's UID validity, generating and storing a
// fresh one if none is recorded. A recorded value wider than 32 bits is
// folded to 32 bits; the file keeps the recorded value.
func (f *Folder) UIDValidity() (uint32, error) {
	path := filepath.Join(f.path, UidValidityFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		v := mailstore.NewUIDValidity()
		return v, f.SetUIDValidity(v)
	}
	if err != nil {
		return 0, errors.Storage("read", path, err)
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n == 0 {
		return 0, &errors.FormatError{Path: path, Line: 1, Reason: "bad uid validity"}
	}
	return foldUIDValidity(n), nil
}

// foldUIDValidity maps a recorded 64-bit validity to the 32-bit IMAP
// value by XOR-ing its high half into its low half. Values that fit in 32
// bits are unchanged and the result is never zero.
func foldUIDValidity(n uint64) uint32 {
	if n <= math.MaxUint32 {
		return uint32(n)
	}
	v := uint32(n) ^ uint32(n>>32)
	if v == 0 {
		v = 1
	}
	return v
}

// SetUIDValidity records v as the folder's UID validity.
func (f *Folder) SetUIDValidity(v uint32) error {
	path := filepath.Join(f.path, UidValidityFile)
	if err := os.WriteFile(path, []byte(strconv.FormatUint(uint64(v), 10)), 0600); err != nil {
		return errors.Storage("write", path, err)
	}
	return nil
}

// ResetUIDValidity replaces the UID validity with a fresh value that
// differs from the current one. A malformed recorded value is replaced; a
// file that cannot be read is an error.
func (f *Folder) ResetUIDValidity() (uint32, error) {
	old, err := f.UIDValidity()
	var format *errors.FormatError
	switch {
	case err == nil:
	case stderrors.As(err, &format):
		f.logger.Warn("replacing malformed uid validity",
			slog.String("folder", f.path),
			slog.String("error", err.Error()))
	default:
		return 0, err
	}

	v := mailstore.NewUIDValidity()
	if v <= old {
		v = old + 1
	}
	if v == 0 {
		v = 1
	}
	return v, f.SetUIDValidity(v)
}

// MailboxID returns the folder's unique identifier, creating it if needed.
func (f *Folder) MailboxID() (string, error) {
	id, err := f.storedMailboxID()
	if err != nil || id != "" {
		return id, err
	}
	id = uuid.NewString()
	return id, f.SetMailboxID(id)
}

// storedMailboxID returns the recorded identifier, or "" if there is none.
func (f *Folder) storedMailboxID() (string, error) {
	path := filepath.Join(f.path, MailboxIDFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Storage("read", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetMailboxID records id as the folder's identifier.
func (f *Folder) SetMailboxID(id string) error {
	path := filepath.Join(f.path, MailboxIDFile)
	if err := os.WriteFile(path, []byte(id), 0600); err != nil {
		return errors.Storage("write", path, err)
	}
	return nil
}

func (f *Folder) keywordsPath() string {
	return filepath.Join(f.path, KeywordsFile)
}

// Keywords returns the folder's keyword letter table.
func (f *Folder) Keywords() (*Keywords, error) {
	return readKeywordsFile(f.keywordsPath())
}

// assignKeywordsLocked gives the keywords of flags a letter, writing the
// table if it changed. Keywords that do not fit are logged and left out.
// The caller holds the uid-list lock.
func (f *Folder) assignKeywordsLocked(flags mailstore.Flags) (*Keywords, error) {
	kw, err := f.Keywords()
	if err != nil {
		return nil, err
	}
	changed, dropped := kw.assign(flags)
	if len(dropped) > 0 {
		f.logger.Warn("keywords not stored",
			slog.String("folder", f.path),
			slog.Any("keywords", dropped))
	}
	if changed {
		if err := writeKeywordsFile(f.keywordsPath(), kw); err != nil {
			return nil, err
		}
	}
	return kw, nil
}

// listDir returns the regular file names in cur/ or new/, sorted.
func (f *Folder) listDir(subdir string) ([]string, error) {
	dir := filepath.Join(f.path, subdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ErrMaildirNotFound
		}
		return nil, errors.Storage("readdir", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	return files, nil
}

// diskFile is a message file found in cur/ or new/.
type diskFile struct {
	name  string
	isNew bool
}

// listMessages returns the message files of the folder in cur/ then new/
// order, each directory sorted by name.
func (f *Folder) listMessages() ([]diskFile, error) {
	var files []diskFile
	for _, sub := range []string{"cur", "new"} {
		names, err := f.listDir(sub)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			files = append(files, diskFile{name: n, isNew: sub == "new"})
		}
	}
	return files, nil
}

// locate returns the path of the message file called name, or with the
// same base name, in cur/ or new/.
func (f *Folder) locate(name string) (string, bool, error) {
	for _, sub := range []string{"cur", "new"} {
		p := filepath.Join(f.path, sub, name)
		if _, err := os.Stat(p); err == nil {
			return p, sub == "new", nil
		}
	}
	files, err := f.listMessages()
	if err != nil {
		return "", false, err
	}
	base := BaseName(name)
	for _, df := range files {
		if BaseName(df.name) == base {
			sub := "cur"
			if df.isNew {
				sub = "new"
			}
			return filepath.Join(f.path, sub, df.name), df.isNew, nil
		}
	}
	return "", false, fs.ErrNotExist
}

// isModified reports whether cur/ or new/ may have changed since the
// uid-list was written. Equal timestamps count as modified.
func (f *Folder) isModified(listInfo fs.FileInfo) (bool, error) {
	for _, sub := range []string{"cur", "new"} {
		dir := filepath.Join(f.path, sub)
		info, err := os.Stat(dir)
		if err != nil {
			return false, errors.Storage("stat", dir, err)
		}
		if !info.ModTime().Before(listInfo.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

// WithUidList runs fn while holding the uid-list lock, passing the
// current list. The list is created from the message files if it does not
// exist and rebuilt if the directories changed since it was written. If fn
// returns a non-nil list it is written back.
func (f *Folder) WithUidList(fn func(l *UidList) (*UidList, error)) error {
	return f.locker.WithLock(f.uidListPath(), func() error {
		l, err := f.syncLocked()
		if err != nil {
			return err
		}
		updated, err := fn(l.clone())
		if err != nil {
			return err
		}
		if updated == nil {
			return nil
		}
		return f.writeLocked(updated)
	})
}

// ReadUidList returns the current uid-list.
func (f *Folder) ReadUidList() (*UidList, error) {
	var out *UidList
	err := f.WithUidList(func(l *UidList) (*UidList, error) {
		out = l
		return nil, nil
	})
	return out, err
}

// Lookup returns the entry for uid.
func (f *Folder) Lookup(uid imap.UID) (UidEntry, bool, error) {
	l, err := f.ReadUidList()
	if err != nil {
		return UidEntry{}, false, err
	}
	e, ok := l.Lookup(uid)
	return e, ok, nil
}

// Range returns the entries with from <= uid <= to; to = -1 is unbounded.
func (f *Folder) Range(from, to int64) ([]UidEntry, error) {
	l, err := f.ReadUidList()
	if err != nil {
		return nil, err
	}
	return l.Range(from, to), nil
}

// LastUID returns the highest UID assigned in the folder.
func (f *Folder) LastUID() (imap.UID, error) {
	l, err := f.ReadUidList()
	if err != nil {
		return 0, err
	}
	return l.LastUID, nil
}

// IncrementLastUID reserves the next UID in the uid-list header.
func (f *Folder) IncrementLastUID() (imap.UID, error) {
	var next imap.UID
	err := f.WithUidList(func(l *UidList) (*UidList, error) {
		l.LastUID++
		next = l.LastUID
		return l, nil
	})
	return next, err
}

// Rebuild re-reads cur/ and new/ and rewrites the uid-list, whether or not
// the directories look modified.
func (f *Folder) Rebuild() (*UidList, error) {
	var out *UidList
	err := f.locker.WithLock(f.uidListPath(), func() error {
		l, err := f.readLocked()
		if stderrors.Is(err, fs.ErrNotExist) {
			out, err = f.createLocked()
			return err
		}
		if err != nil {
			return err
		}
		out, err = f.rebuildLocked(l)
		return err
	})
	return out, err
}

// syncLocked returns the up-to-date uid-list. The caller holds the lock.
func (f *Folder) syncLocked() (*UidList, error) {
	path := f.uidListPath()
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return f.createLocked()
	}
	if err != nil {
		return nil, errors.Storage("stat", path, err)
	}

	modified, err := f.isModified(info)
	if err != nil {
		return nil, err
	}

	if !modified && f.cache != nil {
		if c, ok := f.cache.Get(path); ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
			return c.list, nil
		}
	}

	l, err := f.readLocked()
	if err != nil {
		return nil, err
	}
	if modified {
		return f.rebuildLocked(l)
	}
	f.remember(path, l)
	return l, nil
}

func (f *Folder) readLocked() (*UidList, error) {
	return readUidListFile(f.uidListPath())
}

func (f *Folder) writeLocked(l *UidList) error {
	path := f.uidListPath()
	if err := writeUidListFile(path, l); err != nil {
		if f.cache != nil {
			f.cache.Remove(path)
		}
		return err
	}
	f.remember(path, l)
	return nil
}

func (f *Folder) remember(path string, l *UidList) {
	if f.cache == nil {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		f.cache.Remove(path)
		return
	}
	f.cache.Add(path, cachedList{modTime: info.ModTime(), size: info.Size(), list: l.clone()})
}

// forget drops any cached uid-list of the folder.
func (f *Folder) forget() {
	if f.cache != nil {
		f.cache.Remove(f.uidListPath())
	}
}

// createLocked builds the first uid-list of a folder: existing message
// files get UIDs 1..N in listing order. If a UID validity was already
// recorded it is replaced, since earlier UIDs are unknown.
func (f *Folder) createLocked() (*UidList, error) {
	files, err := f.listMessages()
	if err != nil {
		return nil, err
	}

	l := &UidList{}
	for _, df := range files {
		l.LastUID++
		l.Entries = append(l.Entries, UidEntry{UID: l.LastUID, Name: df.name})
	}

	if len(files) > 0 {
		if _, err := os.Stat(filepath.Join(f.path, UidValidityFile)); err == nil {
			v, err := f.ResetUIDValidity()
			if err != nil {
				return nil, err
			}
			f.logger.Info("reset uid validity for uid-list without history",
				slog.String("folder", f.path),
				slog.Uint64("uid_validity", uint64(v)))
		}
	}

	if err := f.writeLocked(l); err != nil {
		return nil, err
	}
	f.logger.Debug("created uid-list",
		slog.String("folder", f.path),
		slog.Int("messages", len(l.Entries)))
	return l, nil
}

// rebuildLocked reconciles l with the message files on disk. Entries keep
// their UID and take the file's current name; entries whose file is gone
// are dropped; files without an entry get new UIDs above LastUID.
func (f *Folder) rebuildLocked(l *UidList) (*UidList, error) {
	files, err := f.listMessages()
	if err != nil {
		return nil, err
	}

	onDisk := make(map[string]string, len(files)) // base -> name
	var order []string
	for _, df := range files {
		base := BaseName(df.name)
		if _, dup := onDisk[base]; dup {
			continue
		}
		onDisk[base] = df.name
		order = append(order, base)
	}
	sort.Strings(order)

	out := &UidList{LastUID: l.LastUID}
	matched := make(map[string]bool, len(l.Entries))
	dropped := 0
	for _, e := range l.Entries {
		base := BaseName(e.Name)
		name, ok := onDisk[base]
		if !ok || matched[base] {
			dropped++
			continue
		}
		matched[base] = true
		out.Entries = append(out.Entries, UidEntry{UID: e.UID, Name: name})
	}

	enrolled := 0
	for _, base := range order {
		if matched[base] {
			continue
		}
		out.LastUID++
		out.Entries = append(out.Entries, UidEntry{UID: out.LastUID, Name: onDisk[base]})
		enrolled++
	}

	if err := f.writeLocked(out); err != nil {
		return nil, err
	}
	if enrolled > 0 || dropped > 0 {
		f.logger.Info("rebuilt uid-list",
			slog.String("folder", f.path),
			slog.Int("enrolled", enrolled),
			slog.Int("dropped", dropped),
			slog.Uint64("last_uid", uint64(out.LastUID)))
	} else {
		f.logger.Debug("rebuilt uid-list", slog.String("folder", f.path))
	}
	return out, nil
}

// stage copies r into a new file in tmp/ and returns its path and size.
func (f *Folder) stage(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(filepath.Join(f.path, "tmp"), "stage-*")
	if err != nil {
		return "", 0, errors.Storage("create", f.path, err)
	}
	n, err := io.Copy(tmp, r)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return "", 0, errors.Storage("write", tmp.Name(), err)
	}
	return tmp.Name(), n, nil
}

// AddMessage stores the content of r as message uid and returns its file
// name and the flags the name records. The file is staged in tmp/ first;
// moving it into cur/ (or new/ for a recent message) and recording it in
// the uid-list happen under the uid-list lock.
func (f *Folder) AddMessage(uid imap.UID, r io.Reader, flags mailstore.Flags, internalDate time.Time) (string, mailstore.Flags, error) {
	staged, size, err := f.stage(r)
	if err != nil {
		return "", mailstore.Flags{}, err
	}
	defer func() { _ = os.Remove(staged) }()

	sub := "cur"
	if flags.Has(mailstore.FlagRecent) {
		sub = "new"
	}

	var name string
	var stored mailstore.Flags
	err = f.WithUidList(func(l *UidList) (*UidList, error) {
		if _, exists := l.Lookup(uid); exists {
			return nil, errors.Storage("add", f.path, fs.ErrExist)
		}
		kw, err := f.assignKeywordsLocked(flags)
		if err != nil {
			return nil, err
		}
		name = MessageName(generateBaseName(time.Now()), size, flags, kw)
		stored = kw.Storable(flags)

		dest := filepath.Join(f.path, sub, name)
		if err := os.Rename(staged, dest); err != nil {
			return nil, errors.Storage("rename", dest, err)
		}
		if !internalDate.IsZero() {
			_ = os.Chtimes(dest, internalDate, internalDate)
		}
		l.add(UidEntry{UID: uid, Name: name})
		return l, nil
	})
	if err != nil {
		return "", mailstore.Flags{}, err
	}
	return name, stored, nil
}

// UpdateFlags renames the file of message uid to carry flags and returns
// the flags it now records. A message losing RECENT moves from new/ to
// cur/; RECENT cannot be added back.
func (f *Folder) UpdateFlags(uid imap.UID, flags mailstore.Flags) (mailstore.Flags, error) {
	var stored mailstore.Flags
	err := f.WithUidList(func(l *UidList) (*UidList, error) {
		i := l.index(uid)
		if i < 0 {
			return nil, errors.ErrMessageNotFound
		}
		cur, isNew, err := f.locate(l.Entries[i].Name)
		if err != nil {
			return nil, errors.Storage("locate", l.Entries[i].Name, err)
		}
		kw, err := f.assignKeywordsLocked(flags)
		if err != nil {
			return nil, err
		}

		info := ParseMessageName(filepath.Base(cur), kw)
		size := info.Size
		if size < 0 {
			st, err := os.Stat(cur)
			if err != nil {
				return nil, errors.Storage("stat", cur, err)
			}
			size = st.Size()
		}

		sub := "cur"
		stored = kw.Storable(flags).Without(mailstore.FlagRecent)
		if isNew && flags.Has(mailstore.FlagRecent) {
			sub = "new"
			stored = stored.With(mailstore.FlagRecent)
		}
		name := MessageName(info.Base, size, flags, kw)
		dest := filepath.Join(f.path, sub, name)
		if dest == cur {
			return nil, nil
		}
		if err := os.Rename(cur, dest); err != nil {
			return nil, errors.Storage("rename", cur, err)
		}
		l.Entries[i].Name = name
		return l, nil
	})
	if err != nil {
		return mailstore.Flags{}, err
	}
	return stored, nil
}

// DeleteMessage removes message uid from the uid-list and its file from
// disk. A file that is already gone is not an error; any other failure to
// remove it aborts the deletion.
func (f *Folder) DeleteMessage(uid imap.UID) error {
	return f.WithUidList(func(l *UidList) (*UidList, error) {
		i := l.index(uid)
		if i < 0 {
			return nil, errors.ErrMessageNotFound
		}
		path, _, err := f.locate(l.Entries[i].Name)
		switch {
		case err == nil:
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, errors.Storage("remove", path, err)
			}
		case os.IsNotExist(err):
			f.logger.Warn("message file already removed",
				slog.String("folder", f.path),
				slog.Uint64("uid", uint64(uid)),
				slog.String("name", l.Entries[i].Name))
		default:
			return nil, err
		}
		l.Entries = append(l.Entries[:i], l.Entries[i+1:]...)
		return l, nil
	})
}

// messageFile returns the path of message uid and whether it is in new/.
func (f *Folder) messageFile(e UidEntry) (string, bool, error) {
	p, isNew, err := f.locate(e.Name)
	if err != nil {
		return "", false, errors.Storage("locate", e.Name, err)
	}
	return p, isNew, nil
}
