package sync

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/larskotthoff/notmuch-sync/internal/canon"
	"github.com/larskotthoff/notmuch-sync/internal/notmuch/notmuchfake"
	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// pipedConns returns two wire.Conns backed by a pair of crossed io.Pipes, as
// if driver and remote were talking over a single bidirectional stream.
func pipedConns() (driver, remote *wire.Conn) {
	dr, dw := io.Pipe()
	rr, rw := io.Pipe()

	driver = wire.NewConn(rr, dw)
	remote = wire.NewConn(dr, rw)

	return driver, remote
}

func TestExchangeMissingRoundTrip(t *testing.T) {
	driver, remote := pipedConns()

	mine := MissingSet{"a": {Files: []FileRef{{Name: "cur/a", SHA: "x"}}}}
	theirsSide := MissingSet{"b": {Files: []FileRef{{Name: "cur/b", SHA: "y"}}}}

	driverResult := make(chan MissingSet, 1)
	driverErr := make(chan error, 1)

	go func() {
		got, err := ExchangeMissing(driver, true, mine)
		driverResult <- got
		driverErr <- err
	}()

	got, err := ExchangeMissing(remote, false, theirsSide)
	require.NoError(t, err)
	assert.Equal(t, mine, got)

	require.NoError(t, <-driverErr)
	assert.Equal(t, theirsSide, <-driverResult)
}

func TestTransferFilesRoundTrip(t *testing.T) {
	driverDB := notmuchfake.New("driver-uuid", t.TempDir())
	remoteDB := notmuchfake.New("remote-uuid", t.TempDir())

	// Driver has file "a" that remote wants; remote has file "b" that
	// driver wants.
	driverPath := filepath.Join(driverDB.DefaultPath(), "cur/a:2,")
	require.NoError(t, os.MkdirAll(filepath.Dir(driverPath), 0o700))
	require.NoError(t, os.WriteFile(driverPath, []byte("hello from driver"), 0o600))
	_, _, err := driverDB.Add(driverPath)
	require.NoError(t, err)

	remotePath := filepath.Join(remoteDB.DefaultPath(), "cur/b:2,")
	require.NoError(t, os.MkdirAll(filepath.Dir(remotePath), 0o700))
	require.NoError(t, os.WriteFile(remotePath, []byte("hello from remote"), 0o600))
	_, _, err = remoteDB.Add(remotePath)
	require.NoError(t, err)

	shaA, err := canon.DigestFile(driverPath)
	require.NoError(t, err)
	shaB, err := canon.DigestFile(remotePath)
	require.NoError(t, err)

	// driverRequest: what the driver wants from the remote (file b).
	driverRequest := MissingSet{"b": {Tags: []string{"inbox"}, Files: []FileRef{{Name: "cur/b:2,", SHA: shaB}}}}
	// remoteRequest: what the remote wants from the driver (file a).
	remoteRequest := MissingSet{"a": {Tags: []string{"inbox"}, Files: []FileRef{{Name: "cur/a:2,", SHA: shaA}}}}

	driver, remote := pipedConns()

	driverN := make(chan int, 1)
	driverErr := make(chan error, 1)

	go func() {
		n, err := TransferFiles(driver, driverDB, true, driverRequest, remoteRequest)
		driverN <- n
		driverErr <- err
	}()

	remoteN, err := TransferFiles(remote, remoteDB, false, remoteRequest, driverRequest)
	require.NoError(t, err)
	assert.Equal(t, 1, remoteN)

	require.NoError(t, <-driverErr)
	assert.Equal(t, 1, <-driverN)

	gotOnRemote, err := os.ReadFile(filepath.Join(remoteDB.DefaultPath(), "cur/a:2,"))
	require.NoError(t, err)
	assert.Equal(t, "hello from driver", string(gotOnRemote))

	gotOnDriver, err := os.ReadFile(filepath.Join(driverDB.DefaultPath(), "cur/b:2,"))
	require.NoError(t, err)
	assert.Equal(t, "hello from remote", string(gotOnDriver))
}

func TestFlattenIsDeterministic(t *testing.T) {
	ms := MissingSet{
		"z": {Files: []FileRef{{Name: "cur/z1"}, {Name: "cur/z2"}}},
		"a": {Files: []FileRef{{Name: "cur/a1"}}},
	}

	first := flatten(ms)
	second := flatten(ms)
	assert.Equal(t, first, second)
	require.Len(t, first, 3)
	assert.Equal(t, "a", first[0].id)
	assert.Equal(t, "z", first[1].id)
	assert.Equal(t, "z", first[2].id)
}
