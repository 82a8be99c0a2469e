// Package mailstore defines the contracts of an IMAP mailbox storage engine.
//
// The root package holds the domain model (mailboxes, messages, flags, UID
// ranges), the mapper and UID provider contracts implemented by storage
// backends, the manager contracts consumed by a protocol layer, and the
// backend registry.
//
// Backends register themselves on import:
//
//	import _ "github.com/infodancer/mailstore/maildir"
//
//	backend, err := mailstore.Open(mailstore.StoreConfig{
//	    Type:     "maildir",
//	    BasePath: "/var/mail",
//	})
//
// The manager package composes a Backend into MailboxManager and
// MessageManager implementations.
package mailstore
