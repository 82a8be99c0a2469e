package maildir

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/infodancer/mailstore"
	"github.com/infodancer/mailstore/errors"
)

// KeywordsFile assigns the lower-case info letters to keywords, one
// "<index> <keyword>" line per letter, index 0 being 'a'.
const KeywordsFile = "mailstore-keywords"

// MaxKeywords is the number of keywords a folder can store.
const MaxKeywords = 26

// Keywords is the keyword letter table of a folder. A nil table has no
// letters assigned.
type Keywords struct {
	names [MaxKeywords]imap.Flag
}

// Letter returns the info letter of flag.
func (k *Keywords) Letter(flag imap.Flag) (byte, bool) {
	if k == nil {
		return 0, false
	}
	for i, name := range k.names {
		if name != "" && strings.EqualFold(string(name), string(flag)) {
			return 'a' + byte(i), true
		}
	}
	return 0, false
}

// Keyword returns the keyword stored under letter.
func (k *Keywords) Keyword(letter rune) (imap.Flag, bool) {
	if k == nil || letter < 'a' || letter >= 'a'+MaxKeywords {
		return "", false
	}
	name := k.names[letter-'a']
	return name, name != ""
}

// Defined returns the keywords that have a letter, in letter order.
func (k *Keywords) Defined() []imap.Flag {
	if k == nil {
		return nil
	}
	var out []imap.Flag
	for _, name := range k.names {
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

// Full reports whether every letter is taken.
func (k *Keywords) Full() bool {
	return len(k.Defined()) == MaxKeywords
}

// assign gives every keyword of flags a letter. It reports whether the
// table changed and returns the keywords left without a letter.
func (k *Keywords) assign(flags mailstore.Flags) (changed bool, dropped []imap.Flag) {
	for _, kw := range flags.Keywords() {
		if _, ok := k.Letter(kw); ok {
			continue
		}
		if !validKeyword(kw) {
			dropped = append(dropped, kw)
			continue
		}
		free := -1
		for i, name := range k.names {
			if name == "" {
				free = i
				break
			}
		}
		if free < 0 {
			dropped = append(dropped, kw)
			continue
		}
		k.names[free] = kw
		changed = true
	}
	return changed, dropped
}

// Storable returns flags without the keywords that have no letter.
func (k *Keywords) Storable(flags mailstore.Flags) mailstore.Flags {
	for _, kw := range flags.Keywords() {
		if _, ok := k.Letter(kw); !ok {
			flags = flags.Without(kw)
		}
	}
	return flags
}

func (k *Keywords) clone() *Keywords {
	if k == nil {
		return &Keywords{}
	}
	c := *k
	return &c
}

func validKeyword(kw imap.Flag) bool {
	return kw != "" && !strings.ContainsAny(string(kw), " \t\r\n\\")
}

// ReadKeywords parses a keyword table. path is only used in errors.
func ReadKeywords(path string, r io.Reader) (*Keywords, error) {
	k := &Keywords{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		idx, name, ok := strings.Cut(text, " ")
		if !ok {
			return nil, &errors.FormatError{Path: path, Line: line, Reason: "missing keyword"}
		}
		i, err := strconv.Atoi(idx)
		if err != nil || i < 0 || i >= MaxKeywords {
			return nil, &errors.FormatError{Path: path, Line: line, Reason: "bad keyword index"}
		}
		if k.names[i] != "" || !validKeyword(imap.Flag(name)) {
			return nil, &errors.FormatError{Path: path, Line: line, Reason: "bad keyword"}
		}
		k.names[i] = imap.Flag(name)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Storage("read", path, err)
	}
	return k, nil
}

// WriteTo writes the table in the keywords file format.
func (k *Keywords) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for i, name := range k.names {
		if name == "" {
			continue
		}
		n, err := fmt.Fprintf(w, "%d %s\n", i, name)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// readKeywordsFile loads the table at path. A missing file is an empty
// table.
func readKeywordsFile(path string) (*Keywords, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return &Keywords{}, nil
	}
	if err != nil {
		return nil, errors.Storage("open", path, err)
	}
	defer func() { _ = f.Close() }()
	return ReadKeywords(path, f)
}

func writeKeywordsFile(path string, k *Keywords) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".keywords-*")
	if err != nil {
		return errors.Storage("create", path, err)
	}
	tmpName := tmp.Name()

	_, err = k.WriteTo(tmp)
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
