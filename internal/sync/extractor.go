package sync

import (
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/larskotthoff/notmuch-sync/internal/canon"
	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
)

// hashWorkers bounds how many message files are hashed concurrently while
// building a change set. The result (a ChangeSet) is order-independent —
// encoding/json sorts map keys on marshal — so concurrent population does
// not affect wire bytes; the frame exchange that sends this value is still
// strictly sequential (spec §5.1).
const hashWorkers = 8

// ExtractChanges computes the local change set since the last sync with one
// peer (component C4, spec §4.4). checkpointPath need not exist — a missing
// checkpoint means "sync from the beginning".
func ExtractChanges(db notmuch.Database, checkpointPath string) (ChangeSet, uint64, error) {
	rev, uuid, err := db.Revision()
	if err != nil {
		return nil, 0, fmt.Errorf("sync: reading revision: %w", err)
	}

	var since uint64

	cp, err := LoadCheckpoint(checkpointPath)
	if err != nil {
		return nil, 0, err
	}

	if cp != nil {
		if cp.UUID != uuid {
			return nil, 0, &UUIDMismatchError{Old: cp.UUID, Current: uuid}
		}

		if cp.Lastmod > rev {
			return nil, 0, &RevisionRegressedError{Old: cp.Lastmod, Current: rev}
		}

		since = cp.Lastmod
	}

	it, err := db.Messages(fmt.Sprintf("lastmod:%d..", since+1))
	if err != nil {
		return nil, 0, fmt.Errorf("sync: querying changed messages: %w", err)
	}

	root := db.DefaultPath()

	changes := make(ChangeSet)

	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(hashWorkers)

	for {
		msg, ok := it.Next()
		if !ok {
			break
		}

		msg := msg

		g.Go(func() error {
			record, err := buildChangeRecord(msg, root)
			if err != nil {
				return err
			}

			mu.Lock()
			changes[msg.ID()] = record
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	if err := it.Err(); err != nil {
		return nil, 0, fmt.Errorf("sync: iterating changed messages: %w", err)
	}

	return changes, rev, nil
}

// buildChangeRecord hashes every file of msg and strips the DB root prefix
// from each name.
func buildChangeRecord(msg notmuch.Message, root string) (ChangeRecord, error) {
	names := msg.Filenames()

	files := make([]FileRef, 0, len(names))

	for _, abs := range names {
		sha, err := canon.DigestFile(abs)
		if err != nil {
			return ChangeRecord{}, fmt.Errorf("sync: hashing %s: %w", abs, err)
		}

		files = append(files, FileRef{Name: strings.TrimPrefix(abs, root), SHA: sha})
	}

	return ChangeRecord{Tags: msg.Tags(), Files: files}, nil
}
