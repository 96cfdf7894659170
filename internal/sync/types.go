// Package sync implements the bidirectional reconciliation engine: change
// extraction, tag merging, file reconciliation, deletion propagation, and
// the session orchestrator that drives them over a wire.Conn against a
// notmuch.Database.
package sync

// FileRef names one on-disk copy of a message by its path (relative to the
// DB root) and canonical content hash.
type FileRef struct {
	Name string `json:"name"`
	SHA  string `json:"sha"`
}

// ChangeRecord is one message's state as of a change extraction: its full
// tag set and every file it currently has. A ghost message has an empty
// Files slice.
type ChangeRecord struct {
	Tags  []string  `json:"tags"`
	Files []FileRef `json:"files"`
}

// ChangeSet maps message id to its ChangeRecord. It is the payload of the
// change-set exchange (protocol step 2).
type ChangeSet map[string]ChangeRecord

// MissingRecord instructs the peer to send the listed files for message id.
// Tags is populated only when the message is entirely new to the receiver,
// so the receiver knows what tag set to assign once the files arrive.
type MissingRecord struct {
	Tags  []string  `json:"tags,omitempty"`
	Files []FileRef `json:"files"`
}

// MissingSet maps message id to a MissingRecord. It is the payload of the
// missing-names exchange (protocol step 4).
type MissingSet map[string]MissingRecord

// Report carries the per-side counters printed at the end of a sync
// (spec §6.5, §4.6.4).
type Report struct {
	NewMessages     int `json:"new_messages"`
	NewFiles        int `json:"new_files"`
	CopiedOrMoved   int `json:"copied_or_moved"`
	DeletedFiles    int `json:"deleted_files"`
	TagChanges      int `json:"tag_changes"`
	MessagesDeleted int `json:"messages_deleted"`
}
