// Package maildir provides a Maildir-format mailbox backend.
//
// Each mailbox is a maildir folder. A user's INBOX is the user root and
// every other mailbox is a ".<name>" folder inside it:
//
//	basePath/
//	└── user@example.com/
//	    ├── new/                    # Recent messages
//	    ├── cur/                    # Other messages
//	    ├── tmp/                    # Files being written
//	    ├── mailstore-uidlist       # UID index
//	    ├── mailstore-uidvalidity
//	    ├── mailstore-mailboxid
//	    └── .Work.Projects/         # Mailbox "Work.Projects"
//
// The uid-list maps UIDs to file names:
//
//	1 <lastUid> <count>
//	<uid> <filename>
//
// It is rewritten under a per-path lock and rebuilt from cur/ and new/
// when either directory is newer than the list, so files dropped in by an
// external delivery agent get UIDs on the next access. Messages are
// matched to entries by base name, the file name up to ",S=" or ":2,".
//
// The package registers itself with the mailstore registry under the name
// "maildir". Import it with a blank identifier to enable maildir support:
//
//	import _ "github.com/infodancer/mailstore/maildir"
//
// Then open a maildir backend:
//
//	backend, err := mailstore.Open(mailstore.StoreConfig{
//	    Type:     "maildir",
//	    BasePath: "/var/mail",
//	})
package maildir
