package sync

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// deletedTag is the reserved tag that marks a message for propagated
// deletion (spec §4.7).
const deletedTag = "deleted"

// ExchangeDeleted sends the ids tagged deleted locally and receives the
// peer's set, driver sending first (spec §4.8 step 6). db is scanned fresh
// rather than derived from mine, since a message can be tagged deleted
// without any other field changing.
func ExchangeDeleted(conn *wire.Conn, isDriver bool, db notmuch.Database) ([]string, error) {
	mine, err := localDeleted(db)
	if err != nil {
		return nil, err
	}

	var theirs []string

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

// localDeleted returns the sorted ids of every message currently tagged
// deleted in db. It scans all messages ("*") and filters by tag, keeping to
// the query shapes the Database interface documents.
func localDeleted(db notmuch.Database) ([]string, error) {
	it, err := db.Messages("*")
	if err != nil {
		return nil, fmt.Errorf("sync: querying deleted messages: %w", err)
	}

	var ids []string

	for {
		msg, ok := it.Next()
		if !ok {
			break
		}

		for _, tag := range msg.Tags() {
			if tag == deletedTag {
				ids = append(ids, msg.ID())
				break
			}
		}
	}

	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating deleted messages: %w", err)
	}

	sort.Strings(ids)

	return ids, nil
}

// ApplyDeleted processes the peer's deleted set against db (spec §4.7 steps
// 2–3). mine is this side's own change set for this sync, used for the
// failsafe: a message the peer wants deleted is only actually deleted if
// this side has no local change against it in this sync. deleteEnabled
// gates whether files are actually removed; when off, intent propagates as
// a local deleted tag only. Returns the count of messages that became
// ghost.
func ApplyDeleted(db notmuch.Database, peerDeleted []string, mine ChangeSet, deleteEnabled bool) (int, error) {
	count := 0

	for _, id := range peerDeleted {
		msg, err := db.Find(id)
		if errors.Is(err, notmuch.ErrNotFound) {
			continue
		}

		if err != nil {
			return count, fmt.Errorf("sync: looking up %s: %w", id, err)
		}

		if msg.Ghost() {
			continue
		}

		if _, changedHere := mine[id]; changedHere {
			continue // failsafe: we touched this message this sync, skip
		}

		if !deleteEnabled {
			if err := notmuch.WithFrozen(msg, func() error {
				return msg.AddTag(deletedTag)
			}); err != nil {
				return count, fmt.Errorf("sync: tagging %s deleted: %w", id, err)
			}

			continue
		}

		for _, abs := range msg.Filenames() {
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return count, fmt.Errorf("sync: removing %s: %w", abs, err)
			}

			if err := db.Remove(abs); err != nil {
				return count, fmt.Errorf("sync: unlinking %s: %w", abs, err)
			}
		}

		count++
	}

	return count, nil
}
