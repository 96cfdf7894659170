package sync

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskotthoff/notmuch-sync/internal/canon"
	"github.com/larskotthoff/notmuch-sync/internal/notmuch/notmuchfake"
)

// writeMsg creates a message file under db's root at name with the given
// body, registers it, and returns its canonical hash.
func writeMsg(t *testing.T, db *notmuchfake.DB, name, body string) string {
	t.Helper()

	abs := filepath.Join(db.DefaultPath(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o700))
	require.NoError(t, os.WriteFile(abs, []byte(body), 0o600))

	_, _, err := db.Add(abs)
	require.NoError(t, err)

	sha, err := canon.DigestFile(abs)
	require.NoError(t, err)

	return sha
}

func TestClassifyTheirsNewMessageRequestsAllFiles(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())

	theirs := ChangeSet{
		"new1": {
			Tags:  []string{"inbox"},
			Files: []FileRef{{Name: "cur/new1:2,", SHA: "deadbeef"}},
		},
	}

	missing, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.NewMessages)
	require.Contains(t, missing, "new1")
	assert.Equal(t, []string{"inbox"}, missing["new1"].Tags)
	assert.Equal(t, theirs["new1"].Files, missing["new1"].Files)
}

func TestClassifyTheirsSameNameSameSHAIsNoop(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	sha := writeMsg(t, db, "cur/a:2,", "body")

	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: sha}}}}

	missing, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	assert.Zero(t, report.NewMessages)
	assert.Zero(t, report.CopiedOrMoved)
	assert.Empty(t, missing)
}

func TestClassifyTheirsMoveWhenOldNameGone(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	sha := writeMsg(t, db, "cur/a:2,", "body")

	// Peer renamed the file; their record no longer lists the old name.
	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,S", SHA: sha}}}}

	missing, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CopiedOrMoved)
	assert.Empty(t, missing)

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,"))
	assert.True(t, os.IsNotExist(err), "old name must be gone after a move")

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,S"))
	assert.NoError(t, err, "new name must exist after a move")
}

func TestClassifyTheirsCopyWhenOldNameStillWanted(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	sha := writeMsg(t, db, "cur/a:2,", "body")

	// Peer still has the old name too (e.g. the peer copied the file) —
	// both names are present in their record, so reproducing it here is a
	// copy, not a move.
	theirs := ChangeSet{"a": {Files: []FileRef{
		{Name: "cur/a:2,", SHA: sha},
		{Name: "cur/a:2,S", SHA: sha},
	}}}

	missing, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CopiedOrMoved)
	assert.Empty(t, missing)

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,"))
	assert.NoError(t, err, "old name must survive a copy")

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,S"))
	assert.NoError(t, err, "new name must exist after a copy")
}

func TestClassifyTheirsDifferentContentSameNameIsInconsistency(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	writeMsg(t, db, "cur/a:2,", "local body")

	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: "othershahash"}}}}

	_, _, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.Error(t, err)

	var ie *InconsistencyError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "a", ie.ID)
}

func TestClassifyTheirsDifferentContentButOwnChangeIsSkipped(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	writeMsg(t, db, "cur/a:2,", "local body")

	mine := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: "ourownhash"}}}}
	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: "othershahash"}}}}

	missing, _, err := ClassifyTheirs(db, mine, theirs, false)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestClassifyTheirsMissingFileIsRequested(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	writeMsg(t, db, "cur/a:2,", "body")

	theirs := ChangeSet{"a": {Files: []FileRef{
		{Name: "cur/a:2,", SHA: mustHash(t, db, "cur/a:2,")},
		{Name: "cur/b:2,", SHA: "somehash"},
	}}}

	missing, _, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	require.Contains(t, missing, "a")
	require.Len(t, missing["a"].Files, 1)
	assert.Equal(t, "cur/b:2,", missing["a"].Files[0].Name)
}

func TestClassifyTheirsDeletesLocalExtraFileWhenEnabled(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	sha := writeMsg(t, db, "cur/a:2,", "body")
	writeMsg(t, db, "cur/a:2,S", "body")

	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: sha}}}}

	_, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.DeletedFiles)

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,S"))
	assert.True(t, os.IsNotExist(err))
}

func TestClassifyTheirsKeepsLocalExtraFileWhenDisabled(t *testing.T) {
	db := notmuchfake.New("uuid", t.TempDir())
	sha := writeMsg(t, db, "cur/a:2,", "body")
	writeMsg(t, db, "cur/a:2,S", "body")

	theirs := ChangeSet{"a": {Files: []FileRef{{Name: "cur/a:2,", SHA: sha}}}}

	_, report, err := ClassifyTheirs(db, ChangeSet{}, theirs, false)
	require.NoError(t, err)
	assert.Zero(t, report.DeletedFiles)

	_, err = os.Stat(filepath.Join(db.DefaultPath(), "cur/a:2,S"))
	assert.NoError(t, err)
}

func mustHash(t *testing.T, db *notmuchfake.DB, name string) string {
	t.Helper()

	sha, err := canon.DigestFile(filepath.Join(db.DefaultPath(), name))
	require.NoError(t, err)

	return sha
}
