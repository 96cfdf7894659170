// Package mbsync implements the optional mtime-based sidecar file sync
// (component C9): keeping the mbsync IMAP tool's ".mbsyncstate" and
// ".uidvalidity" files consistent across two mail replicas. It is
// independent of and runs after the notmuch reconciliation proper, and is
// best-effort — a missing or unreadable sidecar is skipped, not fatal.
package mbsync

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// sidecarNames are the two files mbsync maintains per mail subdirectory.
var sidecarNames = [...]string{".mbsyncstate", ".uidvalidity"}

// Scan walks root and returns every sidecar file found, keyed by its path
// relative to root, with its current mtime truncated to whole seconds.
func Scan(root string) (map[string]time.Time, error) {
	found := make(map[string]time.Time)

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		base := filepath.Base(path)

		for _, name := range sidecarNames {
			if base != name {
				continue
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("mbsync: stat %s: %w", path, err)
			}

			rel, err := filepath.Rel(root, path)
			if err != nil {
				return fmt.Errorf("mbsync: relativizing %s: %w", path, err)
			}

			// Whole seconds only: that is the precision the peer
			// receives, so both sides compare the same values.
			found[rel] = info.ModTime().Truncate(time.Second)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("mbsync: scanning %s: %w", root, err)
	}

	return found, nil
}

// Sync runs one best-effort sidecar sync phase against conn, after the main
// reconciliation completes (spec §4.9). It exchanges each side's sidecar
// mtimes, sends whichever copy is strictly newer in each direction, and
// stamps the received file's mtime with the peer-reported value. Returns
// the count of files received from the peer; files sent are not counted.
func Sync(conn *wire.Conn, isDriver bool, root string) (int, error) {
	mine, err := Scan(root)
	if err != nil {
		return 0, err
	}

	theirs, err := exchangeMtimes(conn, isDriver, mine)
	if err != nil {
		return 0, err
	}

	toSend := newerNames(mine, theirs)
	toRecv := newerNames(theirs, mine)

	transferred := 0

	if isDriver {
		if err := sendAll(conn, root, toSend); err != nil {
			return transferred, err
		}

		n, err := recvAll(conn, root, theirs, toRecv)
		transferred += n

		return transferred, err
	}

	n, err := recvAll(conn, root, theirs, toRecv)
	transferred += n

	if err != nil {
		return transferred, err
	}

	if err := sendAll(conn, root, toSend); err != nil {
		return transferred, err
	}

	return transferred, nil
}

// exchangeMtimes sends mine's sidecar names and mtimes and receives the
// peer's, driver sending first. Names travel as one JSON frame; mtimes
// travel as one raw frame of big-endian float64 Unix timestamps in the
// same order, per spec §6.3.
func exchangeMtimes(conn *wire.Conn, isDriver bool, mine map[string]time.Time) (map[string]time.Time, error) {
	if isDriver {
		if err := sendMtimes(conn, mine); err != nil {
			return nil, err
		}

		return recvMtimes(conn)
	}

	theirs, err := recvMtimes(conn)
	if err != nil {
		return nil, err
	}

	if err := sendMtimes(conn, mine); err != nil {
		return nil, err
	}

	return theirs, nil
}

func sortedNames(m map[string]time.Time) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func sendMtimes(conn *wire.Conn, m map[string]time.Time) error {
	names := sortedNames(m)

	if err := conn.WriteJSON(names); err != nil {
		return err
	}

	buf := make([]byte, 8*len(names))

	for i, name := range names {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(float64(m[name].Unix())))
	}

	return conn.WriteFrame(buf)
}

func recvMtimes(conn *wire.Conn) (map[string]time.Time, error) {
	var names []string
	if err := conn.ReadJSON(&names); err != nil {
		return nil, err
	}

	buf, err := conn.ReadFrame()
	if err != nil {
		return nil, err
	}

	if len(buf) != 8*len(names) {
		return nil, fmt.Errorf("mbsync: mtime frame has %d bytes for %d names", len(buf), len(names))
	}

	out := make(map[string]time.Time, len(names))

	for i, name := range names {
		secs := math.Float64frombits(binary.BigEndian.Uint64(buf[i*8:]))
		out[name] = time.Unix(int64(secs), 0)
	}

	return out, nil
}

// newerNames returns, sorted, every name in a that is absent from b or
// strictly newer in a than in b.
func newerNames(a, b map[string]time.Time) []string {
	var names []string

	for name, mtime := range a {
		other, ok := b[name]
		if !ok || mtime.After(other) {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}

func sendAll(conn *wire.Conn, root string, names []string) error {
	for _, name := range names {
		abs := filepath.Join(root, name)

		f, err := os.Open(abs)
		if err != nil {
			continue // best-effort: file may have vanished since Scan
		}

		info, statErr := f.Stat()
		if statErr != nil {
			f.Close()
			continue
		}

		err = conn.CopyToFrame(f, info.Size())
		f.Close()

		if err != nil {
			return fmt.Errorf("mbsync: sending %s: %w", abs, err)
		}
	}

	return nil
}

func recvAll(conn *wire.Conn, root string, theirs map[string]time.Time, names []string) (int, error) {
	n := 0

	for _, name := range names {
		abs := filepath.Join(root, name)

		if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
			return n, fmt.Errorf("mbsync: creating %s: %w", filepath.Dir(abs), err)
		}

		f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return n, fmt.Errorf("mbsync: creating %s: %w", abs, err)
		}

		_, err = conn.ReadFrameInto(f)
		closeErr := f.Close()

		if err != nil {
			return n, fmt.Errorf("mbsync: receiving %s: %w", abs, err)
		}

		if closeErr != nil {
			return n, fmt.Errorf("mbsync: closing %s: %w", abs, closeErr)
		}

		mtime := theirs[name]
		if err := os.Chtimes(abs, mtime, mtime); err != nil {
			return n, fmt.Errorf("mbsync: setting mtime on %s: %w", abs, err)
		}

		n++
	}

	return n, nil
}
