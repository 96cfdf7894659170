package sync

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/larskotthoff/notmuch-sync/internal/canon"
	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// transferItem is one file to move across the wire, carrying enough of its
// parent MissingRecord to assign tags once a brand-new message's first file
// arrives.
type transferItem struct {
	id         string
	ref        FileRef
	newMessage bool
	tags       []string
}

// flatten lays out a MissingSet as a deterministic, content-derived
// sequence: sorted by message id, then in the order files appear within
// each record. Both peers compute this independently over identical data,
// so it requires no frame of its own (spec §4.8 step 5).
func flatten(ms MissingSet) []transferItem {
	ids := make([]string, 0, len(ms))
	for id := range ms {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	var items []transferItem

	for _, id := range ids {
		record := ms[id]
		for _, fr := range record.Files {
			items = append(items, transferItem{
				id:         id,
				ref:        fr,
				newMessage: record.Tags != nil,
				tags:       record.Tags,
			})
		}
	}

	return items
}

// ExchangeMissing sends mine and receives the peer's MissingSet as one pair
// of JSON frames, driver always sending first (spec §4.8 step 4).
func ExchangeMissing(conn *wire.Conn, isDriver bool, mine MissingSet) (MissingSet, error) {
	var theirs MissingSet

	if isDriver {
		if err := conn.WriteJSON(mine); err != nil {
			return nil, err
		}

		if err := conn.ReadJSON(&theirs); err != nil {
			return nil, err
		}

		return theirs, nil
	}

	if err := conn.ReadJSON(&theirs); err != nil {
		return nil, err
	}

	if err := conn.WriteJSON(mine); err != nil {
		return nil, err
	}

	return theirs, nil
}

// TransferFiles runs the byte-transfer sub-phase (spec §4.6.3 steps 3–4):
// it sends every file the peer requested (peerRequest) and receives every
// file this side requested (myRequest), in the fixed order driver-sends/
// driver-receives, remote-receives/remote-sends, since both orderings are
// computed identically by both peers (flatten is deterministic) the two
// sides never desynchronize. Returns the count of newly written files.
func TransferFiles(conn *wire.Conn, db notmuch.Database, isDriver bool, myRequest, peerRequest MissingSet) (int, error) {
	toSend := flatten(peerRequest)
	toRecv := flatten(myRequest)

	if isDriver {
		if err := sendFiles(conn, db.DefaultPath(), toSend); err != nil {
			return 0, err
		}

		return recvFiles(conn, db, toRecv)
	}

	n, err := recvFiles(conn, db, toRecv)
	if err != nil {
		return n, err
	}

	if err := sendFiles(conn, db.DefaultPath(), toSend); err != nil {
		return n, err
	}

	return n, nil
}

func sendFiles(conn *wire.Conn, root string, items []transferItem) error {
	for _, item := range items {
		abs := filepath.Join(root, item.ref.Name)

		if err := sendOne(conn, abs); err != nil {
			return fmt.Errorf("sync: sending %s: %w", abs, err)
		}
	}

	return nil
}

func sendOne(conn *wire.Conn, abs string) error {
	f, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	return conn.CopyToFrame(f, info.Size())
}

func recvFiles(conn *wire.Conn, db notmuch.Database, items []transferItem) (int, error) {
	newFiles := 0
	assignedTags := make(map[string]bool)
	root := db.DefaultPath()

	for _, item := range items {
		abs := filepath.Join(root, item.ref.Name)

		wrote, err := recvOne(conn, abs, item.ref.SHA)
		if err != nil {
			return newFiles, err
		}

		if wrote {
			newFiles++
		}

		msg, isNew, err := db.Add(abs)
		if err != nil {
			return newFiles, fmt.Errorf("sync: registering %s: %w", abs, err)
		}

		if isNew && item.newMessage && !assignedTags[item.id] {
			if err := notmuch.WithFrozen(msg, func() error {
				for _, tag := range item.tags {
					if err := msg.AddTag(tag); err != nil {
						return err
					}
				}

				return nil
			}); err != nil {
				return newFiles, fmt.Errorf("sync: tagging new message %s: %w", item.id, err)
			}

			assignedTags[item.id] = true
		}
	}

	return newFiles, nil
}

// recvOne reads one framed file payload into abs and verifies its canonical
// hash against expectedSHA. Returns wrote=false if the target already
// existed with identical content (the write was skipped, per spec §4.6.3
// step 4).
func recvOne(conn *wire.Conn, abs, expectedSHA string) (bool, error) {
	if existing, err := os.ReadFile(abs); err == nil {
		sha, digestErr := canon.Digest(bytes.NewReader(existing))
		if digestErr != nil {
			return false, fmt.Errorf("sync: hashing existing %s: %w", abs, digestErr)
		}

		if sha == expectedSHA {
			if _, err := conn.ReadFrameInto(io.Discard); err != nil {
				return false, err
			}

			return false, nil
		}

		return false, &LocalFileClashError{Path: abs}
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return false, fmt.Errorf("sync: creating %s: %w", filepath.Dir(abs), err)
	}

	f, err := os.OpenFile(abs, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return false, fmt.Errorf("sync: creating %s: %w", abs, err)
	}

	// The frame is written straight to disk as it streams in; the
	// canonical hash (which must skip any X-TUID header line) is
	// recomputed from the written file immediately after, rather than
	// incrementally during the copy, since the X-TUID skip requires
	// line-oriented lookahead across write boundaries.
	_, err = conn.ReadFrameInto(f)
	closeErr := f.Close()

	if err != nil {
		os.Remove(abs)
		return false, err
	}

	if closeErr != nil {
		os.Remove(abs)
		return false, fmt.Errorf("sync: closing %s: %w", abs, closeErr)
	}

	got, err := canon.DigestFile(abs)
	if err != nil {
		os.Remove(abs)
		return false, err
	}

	if got != expectedSHA {
		os.Remove(abs)
		return false, &ChecksumMismatchError{Path: abs, Got: got, Expected: expectedSHA}
	}

	return true, nil
}
