package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
)

const checkpointDir = ".notmuch"

const checkpointFilePrefix = "notmuch-sync-"

// Checkpoint is the durable record of the last successful sync with one
// peer (spec §3: "Replica checkpoint").
type Checkpoint struct {
	Lastmod uint64
	UUID    string
}

// CheckpointPath returns the path of the checkpoint file recording syncs
// with the peer whose DB UUID is peerUUID.
func CheckpointPath(dbRoot, peerUUID string) string {
	return filepath.Join(dbRoot, checkpointDir, checkpointFilePrefix+peerUUID)
}

var checkpointLine = regexp.MustCompile(`^([0-9]+) (.+)$`)

// LoadCheckpoint reads and parses the checkpoint at path. A missing file is
// not an error — it returns (nil, nil), meaning "no prior sync".
func LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil //nolint:nilnil // absent checkpoint means first sync, not failure
	}

	if err != nil {
		return nil, fmt.Errorf("sync: reading checkpoint %s: %w", path, err)
	}

	m := checkpointLine.FindStringSubmatch(string(data))
	if m == nil {
		return nil, &CheckpointCorruptError{Path: path}
	}

	lastmod, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil, &CheckpointCorruptError{Path: path}
	}

	return &Checkpoint{Lastmod: lastmod, UUID: m[2]}, nil
}

// SaveCheckpoint writes cp to path atomically: write to a sibling temp file,
// then rename into place, so an interrupted write never leaves a
// half-written checkpoint (spec §4.8 step 7, §9).
func SaveCheckpoint(path string, cp Checkpoint) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("sync: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, checkpointFilePrefix+"tmp-*")
	if err != nil {
		return fmt.Errorf("sync: creating temp checkpoint in %s: %w", dir, err)
	}

	line := fmt.Sprintf("%d %s", cp.Lastmod, cp.UUID)

	if _, err := tmp.WriteString(line); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("sync: writing temp checkpoint: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sync: closing temp checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("sync: renaming checkpoint into place: %w", err)
	}

	return nil
}
