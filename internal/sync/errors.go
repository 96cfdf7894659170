package sync

import "fmt"

// CheckpointCorruptError is returned when a checkpoint file's content does
// not match the required "<lastmod> <uuid>" form.
type CheckpointCorruptError struct {
	Path string
}

func (e *CheckpointCorruptError) Error() string {
	return fmt.Sprintf("Sync state file '%s' corrupted, delete to sync from scratch.", e.Path)
}

// UUIDMismatchError is returned when the checkpoint's recorded peer UUID no
// longer matches the live DB's UUID (the DB was rebuilt since the last sync).
type UUIDMismatchError struct {
	Old, Current string
}

func (e *UUIDMismatchError) Error() string {
	return fmt.Sprintf("Last sync with UUID %s but notmuch DB has UUID %s, aborting...", e.Old, e.Current)
}

// RevisionRegressedError is returned when the checkpoint's recorded lastmod
// exceeds the DB's current revision — the DB went backwards in time.
type RevisionRegressedError struct {
	Old, Current uint64
}

func (e *RevisionRegressedError) Error() string {
	return fmt.Sprintf("Last sync revision %d larger than current DB revision %d, aborting...", e.Old, e.Current)
}

// ChecksumMismatchError is returned when a received file's computed hash
// does not match the sha advertised for it in the change set.
type ChecksumMismatchError struct {
	Path, Got, Expected string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("Checksum of received file '%s' (%s) does not match expected (%s)!", e.Path, e.Got, e.Expected)
}

// LocalFileClashError is returned when a file about to be written by the
// receiver already exists on disk with different content.
type LocalFileClashError struct {
	Path string
}

func (e *LocalFileClashError) Error() string {
	return fmt.Sprintf("Set to receive '%s', but already exists with different content!", e.Path)
}

// InconsistencyError is returned when both sides disagree on the content of
// the same file name for the same message and this side's own change set
// does not list that file (spec §4.6.2).
type InconsistencyError struct {
	ID           string
	Mine, Theirs []FileRef
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("inconsistency for message %s: local files %v, peer files %v", e.ID, e.Mine, e.Theirs)
}
