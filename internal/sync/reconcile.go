package sync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/larskotthoff/notmuch-sync/internal/canon"
	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
)

// localFile is one of a message's on-disk copies, named relative to the DB
// root with its canonical hash already computed.
type localFile struct {
	name string
	abs  string
	sha  string
}

// ClassifyTheirs is phase one of the file reconciler (component C6, spec
// §4.6.1–§4.6.2): for every message in the peer's change set, it reproduces
// local move/copy operations directly, resolves same-name content
// conflicts, and returns the set of files still needed from the peer.
// deleteEnabled gates whether files missing from the peer's record are
// removed locally (spec §4.6.1 step 3).
func ClassifyTheirs(db notmuch.Database, mine, theirs ChangeSet, deleteEnabled bool) (MissingSet, Report, error) {
	root := db.DefaultPath()
	missing := make(MissingSet)

	var report Report

	for id, record := range theirs {
		msg, err := db.Find(id)

		switch {
		case errors.Is(err, notmuch.ErrNotFound):
			missing[id] = MissingRecord{Tags: record.Tags, Files: record.Files}
			report.NewMessages++

			continue
		case err != nil:
			return nil, report, fmt.Errorf("sync: looking up %s: %w", id, err)
		case msg.Ghost():
			missing[id] = MissingRecord{Tags: record.Tags, Files: record.Files}
			report.NewMessages++

			continue
		}

		localByName, err := hashLocalFiles(msg, root)
		if err != nil {
			return nil, report, err
		}

		theirByName := make(map[string]string, len(record.Files))
		for _, fr := range record.Files {
			theirByName[fr.Name] = fr.SHA
		}

		var requested []FileRef

		removed := make(map[string]bool)

		for _, fr := range record.Files {
			local, ok := localByName[fr.Name]

			switch {
			case ok && local.sha == fr.SHA:
				// present-by-name-and-sha: nothing to do.
			case ok && local.sha != fr.SHA:
				if mineListsFile(mine[id], fr.Name) {
					continue // our legitimate change; revisit next sync
				}

				mineFiles := make([]FileRef, 0, len(localByName))
				for _, lf := range localByName {
					mineFiles = append(mineFiles, FileRef{Name: lf.name, SHA: lf.sha})
				}

				return nil, report, &InconsistencyError{ID: id, Mine: mineFiles, Theirs: record.Files}
			default:
				match, found := findBySHA(localByName, fr.SHA, removed)
				if !found {
					requested = append(requested, fr)
					continue
				}

				if _, stillWanted := theirByName[match.name]; !stillWanted {
					if err := moveFile(db, root, match, fr.Name); err != nil {
						return nil, report, err
					}
				} else {
					if err := copyFile(db, root, match, fr.Name); err != nil {
						return nil, report, err
					}
				}

				removed[match.name] = true
				report.CopiedOrMoved++
			}
		}

		if len(requested) > 0 {
			missing[id] = MissingRecord{Files: requested}
		}

		for name, lf := range localByName {
			if removed[name] {
				continue
			}

			if _, ok := theirByName[name]; ok {
				continue
			}

			if !deleteEnabled {
				continue
			}

			if err := os.Remove(lf.abs); err != nil && !os.IsNotExist(err) {
				return nil, report, fmt.Errorf("sync: removing %s: %w", lf.abs, err)
			}

			if err := db.Remove(lf.abs); err != nil {
				return nil, report, fmt.Errorf("sync: unlinking %s: %w", lf.abs, err)
			}

			report.DeletedFiles++
		}
	}

	return missing, report, nil
}

// mineListsFile reports whether record (the local change record for this
// message, possibly absent) already lists a file named name.
func mineListsFile(record ChangeRecord, name string) bool {
	for _, fr := range record.Files {
		if fr.Name == name {
			return true
		}
	}

	return false
}

// findBySHA looks for an unused local file whose hash matches sha.
func findBySHA(files map[string]localFile, sha string, used map[string]bool) (localFile, bool) {
	for name, lf := range files {
		if used[name] {
			continue
		}

		if lf.sha == sha {
			return lf, true
		}
	}

	return localFile{}, false
}

// hashLocalFiles hashes every current file of msg concurrently (bounded;
// spec §5.1) and returns them keyed by DB-root-relative name.
func hashLocalFiles(msg notmuch.Message, root string) (map[string]localFile, error) {
	names := msg.Filenames()

	out := make(map[string]localFile, len(names))

	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(hashWorkers)

	for _, abs := range names {
		abs := abs

		g.Go(func() error {
			sha, err := canon.DigestFile(abs)
			if err != nil {
				return fmt.Errorf("sync: hashing %s: %w", abs, err)
			}

			name := strings.TrimPrefix(abs, root)

			mu.Lock()
			out[name] = localFile{name: name, abs: abs, sha: sha}
			mu.Unlock()

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return out, nil
}

// moveFile relocates a local file to a new name the peer still expects,
// registering the new path and unlinking the old one.
func moveFile(db notmuch.Database, root string, from localFile, toName string) error {
	target := filepath.Join(root, toName)

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("sync: creating %s: %w", filepath.Dir(target), err)
	}

	if err := os.Rename(from.abs, target); err != nil {
		return fmt.Errorf("sync: moving %s to %s: %w", from.abs, target, err)
	}

	if _, _, err := db.Add(target); err != nil {
		return fmt.Errorf("sync: registering %s: %w", target, err)
	}

	if err := db.Remove(from.abs); err != nil {
		return fmt.Errorf("sync: unlinking %s: %w", from.abs, err)
	}

	return nil
}

// copyFile duplicates a local file under a new name the peer still expects,
// leaving the original in place.
func copyFile(db notmuch.Database, root string, from localFile, toName string) error {
	target := filepath.Join(root, toName)

	if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
		return fmt.Errorf("sync: creating %s: %w", filepath.Dir(target), err)
	}

	if err := copyBytes(from.abs, target); err != nil {
		return err
	}

	if _, _, err := db.Add(target); err != nil {
		return fmt.Errorf("sync: registering %s: %w", target, err)
	}

	return nil
}

func copyBytes(from, to string) error {
	src, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("sync: opening %s: %w", from, err)
	}
	defer src.Close()

	dst, err := os.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("sync: creating %s: %w", to, err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(src); err != nil {
		return fmt.Errorf("sync: copying %s to %s: %w", from, to, err)
	}

	return nil
}
