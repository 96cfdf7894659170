package sync

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/larskotthoff/notmuch-sync/internal/notmuch"
	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// Options controls the optional, destructive behaviors of one sync session
// (spec §6.2). Both peers must agree on these for a sync to converge; the
// driver propagates them into the remote command line.
type Options struct {
	Delete bool
	Mbsync bool
}

// Run drives one full sync session over conn against db: the fixed
// protocol sequence of spec §4.8 (UUID handshake, change-set exchange, tag
// merge, missing-names exchange, byte transfer, deletion propagation,
// checkpoint write), plus one additional report exchange so the side
// printing the final two status lines (§6.5) has the peer's counters —
// once the frame exchange ends neither side's stdout is otherwise visible
// to the other. Progress is logged through logger at each phase boundary;
// the caller gates verbosity by the logger's configured level. The final
// status lines are written to stdout.
func Run(conn *wire.Conn, db notmuch.Database, isDriver bool, opts Options, logger *slog.Logger, stdout io.Writer) error {
	_, uuid, err := db.Revision()
	if err != nil {
		return fmt.Errorf("sync: reading local revision: %w", err)
	}

	peerUUID, err := exchangeUUID(conn, isDriver, uuid)
	if err != nil {
		return err
	}

	checkpointPath := CheckpointPath(db.DefaultPath(), peerUUID)

	logger.Info("extracting local changes", slog.String("checkpoint", checkpointPath))

	mine, _, err := ExtractChanges(db, checkpointPath)
	if err != nil {
		return err
	}

	theirs, err := exchangeChanges(conn, isDriver, mine)
	if err != nil {
		return err
	}

	logger.Info("merging tags", slog.Int("mine", len(mine)), slog.Int("theirs", len(theirs)))

	tagChanges, err := MergeTags(db, mine, theirs)
	if err != nil {
		return err
	}

	logger.Info("classifying files", slog.Bool("delete", opts.Delete))

	needed, report, err := ClassifyTheirs(db, mine, theirs, opts.Delete)
	if err != nil {
		return err
	}

	report.TagChanges = tagChanges

	peerNeeded, err := ExchangeMissing(conn, isDriver, needed)
	if err != nil {
		return err
	}

	logger.Info("transferring files",
		slog.Int("sending", totalFiles(peerNeeded)),
		slog.Int("receiving", totalFiles(needed)))

	newFiles, err := TransferFiles(conn, db, isDriver, needed, peerNeeded)
	if err != nil {
		return err
	}

	report.NewFiles = newFiles

	logger.Info("propagating deletions")

	peerDeleted, err := ExchangeDeleted(conn, isDriver, db)
	if err != nil {
		return err
	}

	deleted, err := ApplyDeleted(db, peerDeleted, mine, opts.Delete)
	if err != nil {
		return err
	}

	report.MessagesDeleted = deleted

	peerReport, err := exchangeReport(conn, isDriver, report)
	if err != nil {
		return err
	}

	newRev, _, err := db.Revision()
	if err != nil {
		return fmt.Errorf("sync: reading post-sync revision: %w", err)
	}

	if err := SaveCheckpoint(checkpointPath, Checkpoint{Lastmod: newRev, UUID: uuid}); err != nil {
		return err
	}

	logger.Info("sync complete",
		slog.Int64("bytes_sent", conn.BytesWritten()),
		slog.Int64("bytes_read", conn.BytesRead()))

	printReport(stdout, "local", report)
	printReport(stdout, "remote", peerReport)

	return nil
}

// exchangeUUID performs the unframed 36-byte UUID handshake (spec §4.8 step
// 1), driver sending first.
func exchangeUUID(conn *wire.Conn, isDriver bool, uuid string) (string, error) {
	if isDriver {
		if err := conn.WriteUUID(uuid); err != nil {
			return "", err
		}

		return conn.ReadUUID()
	}

	peer, err := conn.ReadUUID()
	if err != nil {
		return "", err
	}

	if err := conn.WriteUUID(uuid); err != nil {
		return "", err
	}

	return peer, nil
}

// exchangeChanges sends mine and receives the peer's change set as one pair
// of JSON frames, driver sending first (spec §4.8 step 2).
func exchangeChanges(conn *wire.Conn, isDriver bool, mine ChangeSet) (ChangeSet, error) {
	var theirs ChangeSet

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

// exchangeReport sends mine and receives the peer's final Report, driver
// sending first. Not named by spec §4.8's eight steps directly, but
// required to produce the two-line status summary of §6.5 on whichever
// side's stdout the user is watching.
func exchangeReport(conn *wire.Conn, isDriver bool, mine Report) (Report, error) {
	var theirs Report

	if isDriver {
		if err := conn.WriteJSON(mine); err != nil {
			return Report{}, err
		}

		if err := conn.ReadJSON(&theirs); err != nil {
			return Report{}, err
		}

		return theirs, nil
	}

	if err := conn.ReadJSON(&theirs); err != nil {
		return Report{}, err
	}

	if err := conn.WriteJSON(mine); err != nil {
		return Report{}, err
	}

	return theirs, nil
}

// totalFiles counts the file entries across every record of ms, for
// progress logging.
func totalFiles(ms MissingSet) int {
	n := 0

	for _, record := range ms {
		n += len(record.Files)
	}

	return n
}

// printReport writes one literal tab-separated status line (spec §6.5).
func printReport(w io.Writer, label string, r Report) {
	fmt.Fprintf(w, "%s:\t%d new messages,\t%d new files,\t%d files copied/moved,\t%d files deleted,\t%d messages with tag changes,\t%d messages deleted\n",
		label, r.NewMessages, r.NewFiles, r.CopiedOrMoved, r.DeletedFiles, r.TagChanges, r.MessagesDeleted)
}
