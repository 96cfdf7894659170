package main

import (
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/larskotthoff/notmuch-sync/internal/mbsync"
	"github.com/larskotthoff/notmuch-sync/internal/sync"
	"github.com/larskotthoff/notmuch-sync/internal/wire"
)

// version is set at build time via ldflags.
var version = "dev"

// Command-line flags, bound in newRootCmd.
var (
	flagRemoteCmd string
	flagVerbose   bool
	flagDelete    bool
	flagMbsync    bool
)

// newRootCmd builds the single notmuch-sync command (spec §6.2: there are no
// subcommands, only flags).
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "notmuch-sync",
		Short:         "Bidirectionally reconcile two notmuch mail replicas",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync()
		},
	}

	cmd.Flags().StringVar(&flagRemoteCmd, "remote-cmd", "", "spawn this command as the peer (driver role); if unset, use stdin/stdout (remote role)")
	cmd.Flags().BoolVar(&flagVerbose, "verbose", false, "emit phase-boundary progress lines to stderr")
	cmd.Flags().BoolVar(&flagDelete, "delete", false, "enable destructive file removal and deleted-tag message deletion")
	cmd.Flags().BoolVar(&flagMbsync, "mbsync", false, "also sync mbsync sidecar files after the main reconciliation")

	return cmd
}

// buildLogger returns an slog.Logger gated solely by --verbose: info-level
// phase-boundary lines when set, warnings and above otherwise. There is no
// config file in this tool, so CLI flags are the only input. On a terminal,
// phase lines overwrite each other in place rather than scrolling; redirected
// to a file or pipe, each prints on its own line.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn
	if flagVerbose {
		level = slog.LevelInfo
	}

	w := io.Writer(os.Stderr)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		w = &progressWriter{w: os.Stderr}
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// progressWriter rewrites each slog line to overwrite the previous one on a
// TTY, so a long verbose sync doesn't scroll the terminal with phase noise.
type progressWriter struct {
	w io.Writer
}

func (p *progressWriter) Write(b []byte) (int, error) {
	line := strings.TrimRight(string(b), "\n")

	if _, err := p.w.Write([]byte("\r\x1b[K" + line)); err != nil {
		return 0, err
	}

	return len(b), nil
}

// runSync resolves the local database, connects to the peer (spawning
// --remote-cmd when set, or using the process's own stdio otherwise), and
// runs one full sync session.
func runSync() error {
	logger := buildLogger()

	db, err := openDatabase(os.Getenv("NOTMUCH_CONFIG"))
	if err != nil {
		return err
	}
	defer db.Close()

	opts := sync.Options{Delete: flagDelete, Mbsync: flagMbsync}

	isDriver := flagRemoteCmd != ""

	if isDriver {
		argv := buildRemoteArgv(flagRemoteCmd, opts)

		child := exec.Command("sh", "-c", argv)
		child.Stderr = os.Stderr

		stdin, err := child.StdinPipe()
		if err != nil {
			return &wire.TransportError{Cause: err}
		}

		stdout, err := child.StdoutPipe()
		if err != nil {
			return &wire.TransportError{Cause: err}
		}

		if err := child.Start(); err != nil {
			return &wire.TransportError{Cause: err}
		}

		conn := wire.NewConn(stdout, stdin)

		err = sync.Run(conn, db, true, opts, logger, os.Stdout)

		if err == nil && flagMbsync {
			_, err = mbsync.Sync(conn, true, db.DefaultPath())
		}

		stdin.Close()

		if waitErr := child.Wait(); err == nil && waitErr != nil {
			err = &wire.TransportError{Cause: waitErr}
		}

		logBytes(logger, conn)

		return err
	}

	conn := wire.NewConn(os.Stdin, os.Stdout)

	if err := sync.Run(conn, db, false, opts, logger, os.Stdout); err != nil {
		return err
	}

	if flagMbsync {
		if _, err := mbsync.Sync(conn, false, db.DefaultPath()); err != nil {
			return err
		}
	}

	logBytes(logger, conn)

	return nil
}

// logBytes emits the session's total transfer volume at info level, so
// --verbose users see human-readable sizes rather than raw byte counts.
func logBytes(logger *slog.Logger, conn *wire.Conn) {
	logger.Info("transfer totals",
		slog.String("sent", formatSize(conn.BytesWritten())),
		slog.String("received", formatSize(conn.BytesRead())))
}

// buildRemoteArgv appends this binary's own propagating flags (--delete,
// --mbsync) to the user-supplied remote command, so both sides agree on
// them (spec §6.2, §6.6).
func buildRemoteArgv(cmd string, opts sync.Options) string {
	if opts.Delete {
		cmd += " --delete"
	}

	if opts.Mbsync {
		cmd += " --mbsync"
	}

	return cmd
}
