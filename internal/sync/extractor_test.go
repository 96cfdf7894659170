package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch/notmuchfake"
)

func addExtractorMessage(t *testing.T, db *notmuchfake.DB, name, body string, tags []string) {
	t.Helper()

	abs := filepath.Join(db.DefaultPath(), name)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o700))
	require.NoError(t, os.WriteFile(abs, []byte(body), 0o600))

	_, _, err := db.Add(abs)
	require.NoError(t, err)

	id, _, _ := strings.Cut(filepath.Base(name), ":")
	msg, err := db.Find(id)
	require.NoError(t, err)

	for _, tag := range tags {
		require.NoError(t, msg.AddTag(tag))
	}
}

func TestExtractChangesNoCheckpointReturnsEverything(t *testing.T) {
	db := notmuchfake.New("db-uuid", t.TempDir())
	addExtractorMessage(t, db, "cur/a:2,", "body a", []string{"inbox"})
	addExtractorMessage(t, db, "cur/b:2,", "body b", []string{"inbox", "unread"})

	changes, rev, err := ExtractChanges(db, CheckpointPath(db.DefaultPath(), "peer-uuid"))
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.NotZero(t, rev)

	a, ok := changes["a"]
	require.True(t, ok)
	assert.Equal(t, []string{"inbox"}, a.Tags)
	require.Len(t, a.Files, 1)
	assert.Equal(t, "cur/a:2,", a.Files[0].Name)
	assert.NotEmpty(t, a.Files[0].SHA)
}

func TestExtractChangesOnlySinceCheckpoint(t *testing.T) {
	db := notmuchfake.New("db-uuid", t.TempDir())
	addExtractorMessage(t, db, "cur/a:2,", "body a", []string{"inbox"})

	rev, uuid, err := db.Revision()
	require.NoError(t, err)

	checkpointPath := CheckpointPath(db.DefaultPath(), "peer-uuid")
	require.NoError(t, SaveCheckpoint(checkpointPath, Checkpoint{Lastmod: rev, UUID: uuid}))

	addExtractorMessage(t, db, "cur/b:2,", "body b", []string{"inbox"})

	changes, _, err := ExtractChanges(db, checkpointPath)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
	_, ok := changes["b"]
	assert.True(t, ok)
}

func TestExtractChangesUUIDMismatchIsFatal(t *testing.T) {
	db := notmuchfake.New("db-uuid", t.TempDir())
	addExtractorMessage(t, db, "cur/a:2,", "body a", nil)

	checkpointPath := CheckpointPath(db.DefaultPath(), "peer-uuid")
	require.NoError(t, SaveCheckpoint(checkpointPath, Checkpoint{Lastmod: 1, UUID: "stale-uuid"}))

	_, _, err := ExtractChanges(db, checkpointPath)
	require.Error(t, err)
	var mismatch *UUIDMismatchError
	assert.ErrorAs(t, err, &mismatch)
}

func TestExtractChangesRevisionRegressedIsFatal(t *testing.T) {
	db := notmuchfake.New("db-uuid", t.TempDir())
	addExtractorMessage(t, db, "cur/a:2,", "body a", nil)

	rev, uuid, err := db.Revision()
	require.NoError(t, err)

	checkpointPath := CheckpointPath(db.DefaultPath(), "peer-uuid")
	require.NoError(t, SaveCheckpoint(checkpointPath, Checkpoint{Lastmod: rev + 100, UUID: uuid}))

	_, _, err = ExtractChanges(db, checkpointPath)
	require.Error(t, err)
	var regressed *RevisionRegressedError
	assert.ErrorAs(t, err, &regressed)
}

func TestExtractChangesCheckpointCorruptIsFatal(t *testing.T) {
	db := notmuchfake.New("db-uuid", t.TempDir())

	checkpointPath := CheckpointPath(db.DefaultPath(), "peer-uuid")
	require.NoError(t, os.MkdirAll(filepath.Dir(checkpointPath), 0o700))
	require.NoError(t, os.WriteFile(checkpointPath, []byte("123abc"), 0o600))

	_, _, err := ExtractChanges(db, checkpointPath)
	require.Error(t, err)
	var corrupt *CheckpointCorruptError
	assert.ErrorAs(t, err, &corrupt)
}
