// Package iofd opens the transport a CWE package is read from: a pipe
// (stdin), a plain file, or a tty running the line protocol a modem's
// bootloader speaks when a download is shovelled at it directly over
// serial (spec §2 "Input transports"). It gives internal/session a
// plain io.ReadCloser regardless of which one the caller picked.
package iofd

import (
	"io"
	"os"
	"time"

	"github.com/pkg/term"
	"github.com/tinkerator/fwupdate/internal/ferrors"
)

// Kind selects the transport Open uses.
type Kind int

const (
	// Pipe reads from stdin, the default for `cmd | fwupdate download`.
	Pipe Kind = iota
	// File reads a path on disk.
	File
	// TTY reads a CWE package off a serial device, e.g. when the update
	// agent runs on the modem's companion processor with the package
	// streamed in over UART rather than staged to a filesystem first.
	TTY
)

func (k Kind) String() string {
	switch k {
	case Pipe:
		return "pipe"
	case File:
		return "file"
	case TTY:
		return "tty"
	default:
		return "unknown"
	}
}

// ParseKind maps the --input flag's string value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "pipe", "":
		return Pipe, nil
	case "file":
		return File, nil
	case "tty":
		return TTY, nil
	default:
		return 0, ferrors.Newf(ferrors.BadParameter, "iofd: unknown input kind %q", s)
	}
}

// Options configures the less-common transports; Path is the file path
// for Kind==File or the serial device node for Kind==TTY.
type Options struct {
	Path string

	// Baud is the tty's line speed. Zero defaults to 115200, the speed
	// the rest of this stack's CWE-over-serial tooling assumes.
	Baud int

	// OpenTimeout, when non-zero, is set as the tty's read timeout once
	// TTY has opened it.
	OpenTimeout time.Duration
}

// Open returns a ReadCloser for the selected transport. Closing it is
// always the caller's responsibility, including for Pipe (which wraps
// os.Stdin itself with a no-op Close, since a download session
// must never close the process's actual stdin out from under it).
func Open(kind Kind, opts Options) (io.ReadCloser, error) {
	switch kind {
	case Pipe:
		return nopCloser{os.Stdin}, nil
	case File:
		if opts.Path == "" {
			return nil, ferrors.New(ferrors.BadParameter, "iofd: file transport requires a path")
		}
		f, err := os.Open(opts.Path)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.BadParameter, err, "iofd: open input file")
		}
		return f, nil
	case TTY:
		return openTTY(opts)
	default:
		return nil, ferrors.Newf(ferrors.BadParameter, "iofd: unknown input kind %d", kind)
	}
}

func openTTY(opts Options) (io.ReadCloser, error) {
	if opts.Path == "" {
		return nil, ferrors.New(ferrors.BadParameter, "iofd: tty transport requires a device path")
	}
	baud := opts.Baud
	if baud == 0 {
		baud = 115200
	}
	t, err := term.Open(opts.Path, term.Speed(baud), term.RawMode)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.BadParameter, err, "iofd: open tty")
	}
	if opts.OpenTimeout > 0 {
		if err := t.SetReadTimeout(opts.OpenTimeout); err != nil {
			t.Close()
			return nil, ferrors.Wrap(ferrors.Fault, err, "iofd: set tty read timeout")
		}
	}
	return t, nil
}

// nopCloser wraps stdin so callers can treat every transport uniformly
// as an io.ReadCloser without risking a stray Close on the process's
// real stdin.
type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }
