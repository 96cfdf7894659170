package sync

import (
	"errors"
	"fmt"
	"sort"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
)

// MergeTags applies the three-way tag merge (component C5, spec §4.5) to
// db, given the local change set (mine) and the peer's (theirs). It returns
// the count of messages whose tag set was actually rewritten.
func MergeTags(db notmuch.Database, mine, theirs ChangeSet) (int, error) {
	changed := 0

	for id, theirRecord := range theirs {
		if _, haveLocalChange := mine[id]; haveLocalChange {
			continue // merge case handled below, keyed off mine
		}

		did, err := mergeOne(db, id, theirRecord.Tags)
		if err != nil {
			return changed, err
		}

		if did {
			changed++
		}
	}

	for id, mineRecord := range mine {
		theirRecord, haveTheirChange := theirs[id]
		if !haveTheirChange {
			continue // no peer change; local state is already correct
		}

		merged := unionTags(mineRecord.Tags, theirRecord.Tags)

		did, err := mergeOne(db, id, merged)
		if err != nil {
			return changed, err
		}

		if did {
			changed++
		}
	}

	return changed, nil
}

// mergeOne rewrites msg's tag set to newTags if it differs from the
// current one, within a single frozen() scope, then resyncs Maildir flags.
// A message absent locally or already a ghost is skipped — there is
// nothing to apply the remote tags to.
func mergeOne(db notmuch.Database, id string, newTags []string) (bool, error) {
	msg, err := db.Find(id)
	if errors.Is(err, notmuch.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("sync: looking up message %s: %w", id, err)
	}

	if msg.Ghost() {
		return false, nil
	}

	if sameTagSet(msg.Tags(), newTags) {
		return false, nil
	}

	err = notmuch.WithFrozen(msg, func() error {
		if err := msg.RemoveAllTags(); err != nil {
			return err
		}

		for _, tag := range newTags {
			if err := msg.AddTag(tag); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sync: rewriting tags for %s: %w", id, err)
	}

	return true, nil
}

// unionTags returns the sorted, deduplicated union of a and b.
func unionTags(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, t := range a {
		set[t] = true
	}

	for _, t := range b {
		set[t] = true
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}

	sort.Strings(out)

	return out
}

// sameTagSet reports whether a and b contain the same tags, ignoring order.
func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	set := make(map[string]int, len(a))
	for _, t := range a {
		set[t]++
	}

	for _, t := range b {
		set[t]--
	}

	for _, n := range set {
		if n != 0 {
			return false
		}
	}

	return true
}
