package mbsync

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

func TestScanFindsSidecars(t *testing.T) {
	root := t.TempDir()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "account/INBOX"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "account/INBOX/.mbsyncstate"), []byte("state"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "account/INBOX/.uidvalidity"), []byte("42"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(root, "account/INBOX/1:2,"), []byte("mail"), 0o600))

	found, err := Scan(root)
	require.NoError(t, err)
	assert.Len(t, found, 2)
	assert.Contains(t, found, filepath.Join("account/INBOX/.mbsyncstate"))
	assert.Contains(t, found, filepath.Join("account/INBOX/.uidvalidity"))
}

func pipedConns() (driver, remote *wire.Conn) {
	dr, dw := io.Pipe()
	rr, rw := io.Pipe()

	driver = wire.NewConn(rr, dw)
	remote = wire.NewConn(dr, rw)

	return driver, remote
}

func TestSyncSendsNewerCopyInBothDirections(t *testing.T) {
	localRoot := t.TempDir()
	remoteRoot := t.TempDir()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	localPath := filepath.Join(localRoot, ".mbsyncstate")
	remotePath := filepath.Join(remoteRoot, ".mbsyncstate")

	// Local has the newer ".mbsyncstate"; remote has a newer ".uidvalidity".
	require.NoError(t, os.WriteFile(localPath, []byte("local newer state"), 0o600))
	require.NoError(t, os.Chtimes(localPath, newer, newer))
	require.NoError(t, os.WriteFile(remotePath, []byte("remote older state"), 0o600))
	require.NoError(t, os.Chtimes(remotePath, older, older))

	localUID := filepath.Join(localRoot, ".uidvalidity")
	remoteUID := filepath.Join(remoteRoot, ".uidvalidity")
	require.NoError(t, os.WriteFile(localUID, []byte("1"), 0o600))
	require.NoError(t, os.Chtimes(localUID, older, older))
	require.NoError(t, os.WriteFile(remoteUID, []byte("2"), 0o600))
	require.NoError(t, os.Chtimes(remoteUID, newer, newer))

	driver, remote := pipedConns()

	driverN := make(chan int, 1)
	driverErr := make(chan error, 1)

	go func() {
		n, err := Sync(driver, true, localRoot)
		driverN <- n
		driverErr <- err
	}()

	remoteN, err := Sync(remote, false, remoteRoot)
	require.NoError(t, err)
	assert.Equal(t, 1, remoteN)

	require.NoError(t, <-driverErr)
	assert.Equal(t, 1, <-driverN)

	got, err := os.ReadFile(remotePath)
	require.NoError(t, err)
	assert.Equal(t, "local newer state", string(got))

	got, err = os.ReadFile(localUID)
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}
