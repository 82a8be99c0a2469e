package maildir

import (
	"crypto/rand"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-maildir"
	"github.com/infodancer/mailstore"
)

const (
	// sizeMarker precedes the message size in a file name.
	sizeMarker = ",S="
	// infoMarker precedes the flag letters in a file name.
	infoMarker = ":2,"
)

var (
	// deliveryCounter ensures unique filenames even within the same microsecond.
	deliveryCounter uint64
	// cachedHostname is set once at startup.
	cachedHostname string
)

func init() {
	cachedHostname = getHostname()
}

// generateBaseName creates a unique base name for a new message.
// Format: seconds.MmicrosecondsPpid.hostname.random
// Example: 1705678901.M123456P12345.hostname.abc123
func generateBaseName(now time.Time) string {
	counter := atomic.AddUint64(&deliveryCounter, 1)
	pid := os.Getpid()

	// Generate random suffix for additional uniqueness
	randomBytes := make([]byte, 6)
	if _, err := rand.Read(randomBytes); err != nil {
		// Fallback to counter-based suffix if random fails
		return fmt.Sprintf("%d.M%dP%d.%s.%d",
			now.Unix(),
			now.Nanosecond()/1000,
			pid,
			cachedHostname,
			counter,
		)
	}

	return fmt.Sprintf("%d.M%dP%d.%s.%x",
		now.Unix(),
		now.Nanosecond()/1000,
		pid,
		cachedHostname,
		randomBytes,
	)
}

// getHostname returns the sanitized system hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	return sanitizeHostname(hostname)
}

// sanitizeHostname removes or replaces characters that are problematic in filenames.
func sanitizeHostname(hostname string) string {
	// Slashes and colons would break the path and the info suffix; commas
	// would be mistaken for the size marker.
	hostname = strings.ReplaceAll(hostname, "/", "_")
	hostname = strings.ReplaceAll(hostname, ":", "_")
	hostname = strings.ReplaceAll(hostname, ",", "_")
	hostname = strings.ReplaceAll(hostname, "\x00", "")
	return hostname
}

// BaseName returns the stable identity of a message file name: the name
// truncated at the first size or info marker.
func BaseName(name string) string {
	cut := len(name)
	if i := strings.Index(name, sizeMarker); i >= 0 && i < cut {
		cut = i
	}
	if i := strings.Index(name, infoMarker); i >= 0 && i < cut {
		cut = i
	}
	return name[:cut]
}

// flagLetters maps persisted system flags to their maildir info letters.
// RECENT has no letter; it is encoded by residence in new/.
var flagLetters = []struct {
	flag   imap.Flag
	letter maildir.Flag
}{
	{imap.FlagDraft, maildir.FlagDraft},
	{imap.FlagFlagged, maildir.FlagFlagged},
	{imap.FlagAnswered, maildir.FlagReplied},
	{imap.FlagSeen, maildir.FlagSeen},
	{imap.FlagDeleted, maildir.FlagTrashed},
}

// MessageName builds the file name of a message from its base name, size
// and flags. Keywords are encoded with their letter in kw; keywords
// without one are left out.
func MessageName(base string, size int64, flags mailstore.Flags, kw *Keywords) string {
	var letters []byte
	for _, fl := range flagLetters {
		if flags.Has(fl.flag) {
			letters = append(letters, byte(fl.letter))
		}
	}
	for _, keyword := range flags.Keywords() {
		if l, ok := kw.Letter(keyword); ok {
			letters = append(letters, l)
		}
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return base + sizeMarker + strconv.FormatInt(size, 10) + infoMarker + string(letters)
}

// MessageInfo is what a file name records about a message.
type MessageInfo struct {
	Base string

	// Size is -1 when the name carries no size.
	Size int64

	Flags mailstore.Flags
}

// ParseMessageName recovers the base name, size and flags from a file
// name. Lower-case letters are looked up in kw; unknown letters are
// ignored.
func ParseMessageName(name string, kw *Keywords) MessageInfo {
	info := MessageInfo{Base: BaseName(name), Size: -1}

	rest := name[len(info.Base):]
	if strings.HasPrefix(rest, sizeMarker) {
		sz := rest[len(sizeMarker):]
		if i := strings.IndexAny(sz, ":,"); i >= 0 {
			sz = sz[:i]
		}
		if n, err := strconv.ParseInt(sz, 10, 64); err == nil {
			info.Size = n
		}
	}

	if i := strings.Index(name, infoMarker); i >= 0 {
		var flags []imap.Flag
		for _, r := range name[i+len(infoMarker):] {
			if keyword, ok := kw.Keyword(r); ok {
				flags = append(flags, keyword)
				continue
			}
			for _, fl := range flagLetters {
				if maildir.Flag(r) == fl.letter {
					flags = append(flags, fl.flag)
				}
			}
		}
		info.Flags = mailstore.NewFlags(flags...)
	}
	return info
}
