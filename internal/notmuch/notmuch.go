// Package notmuch defines the narrow interface the reconciliation core uses
// to talk to a notmuch-indexed Maildir replica (spec §4.3, component C3).
// The core never depends on a concrete implementation: production code
// links libnotmuch via cgo (notmuch_cgo.go); tests run against the
// in-memory fake in the notmuchfake subpackage.
package notmuch

import "errors"

// ErrNotFound is returned by Database.Find when no message with the given
// id is known to the database.
var ErrNotFound = errors.New("notmuch: message not found")

// Database is the narrow interface to a single notmuch-indexed Maildir
// replica. All mutations made through a Database are flushed when Close is
// called — callers must not assume earlier writes are durable before that.
type Database interface {
	// Revision returns the database's current lastmod counter and UUID.
	Revision() (rev uint64, uuid string, err error)

	// DefaultPath returns the absolute Maildir root, with a trailing
	// separator, used as the prefix stripped from absolute file paths.
	DefaultPath() string

	// Messages iterates messages matching query. The only shapes used by
	// the core are "lastmod:<N>.." and "*".
	Messages(query string) (MessageIterator, error)

	// Find looks up a message by id. Returns ErrNotFound if unknown.
	Find(id string) (Message, error)

	// Add registers a file with the database, indexing it for retrieval.
	// If a message with a matching Message-ID already exists, the file is
	// linked to it and isNew is false; otherwise a new message is created
	// and isNew is true.
	Add(absPath string) (msg Message, isNew bool, err error)

	// Remove unlinks a file from its message. When the last file is
	// removed, the message becomes a ghost.
	Remove(absPath string) error

	// Close flushes all mutations and releases the database handle.
	Close() error
}

// MessageIterator yields messages from a Messages query one at a time.
type MessageIterator interface {
	Next() (Message, bool)
	Err() error
}

// Message is a single notmuch message: a Message-ID, a mutable tag set,
// and zero or more on-disk file paths.
type Message interface {
	// ID returns the RFC-822 Message-ID.
	ID() string

	// Tags returns the message's current tag set. Stable order when
	// enumerated (sorted), not significant to the protocol otherwise.
	Tags() []string

	// AddTag, RemoveTag and RemoveAllTags mutate the tag set. Effective
	// immediately unless the message is frozen (see Freeze).
	AddTag(tag string) error
	RemoveTag(tag string) error
	RemoveAllTags() error

	// Filenames returns every absolute path currently associated with
	// this message. Empty for a ghost message.
	Filenames() []string

	// Ghost reports whether the message has zero on-disk files (known
	// only as a reference from another message).
	Ghost() bool

	// Freeze batches subsequent tag mutations so readers do not observe a
	// partially-updated tag set; Thaw commits them and resyncs the
	// Maildir flags encoded in each filename to match the new tag set.
	Freeze() error
	Thaw() error
}

// WithFrozen runs fn with msg frozen, always thawing afterward (even on
// error), matching the "all tag writes for one message occur within a
// single frozen() scope" requirement of spec §4.5.
func WithFrozen(msg Message, fn func() error) error {
	if err := msg.Freeze(); err != nil {
		return err
	}

	ferr := fn()

	if err := msg.Thaw(); err != nil {
		if ferr != nil {
			return ferr
		}

		return err
	}

	return ferr
}
