package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/tinkerator/fwupdate/internal/iofd"
	"github.com/tinkerator/fwupdate/internal/resume"
	"github.com/tinkerator/fwupdate/internal/session"
)

var (
	inputKind          string
	inputPath          string
	inputBaud          int
	disableSyncCheck   bool
	assumeUnsyncedFlag bool
)

func addInputFlags(c *cobra.Command) {
	c.Flags().StringVar(&inputKind, "input", "pipe", "input transport: pipe, file, or tty")
	c.Flags().StringVar(&inputPath, "path", "", "file or tty path (ignored for --input=pipe)")
	c.Flags().IntVar(&inputBaud, "baud", 115200, "tty baud rate (only used with --input=tty)")
}

func openInput() (io.ReadCloser, error) {
	kind, err := iofd.ParseKind(inputKind)
	if err != nil {
		return nil, err
	}
	return iofd.Open(kind, iofd.Options{Path: inputPath, Baud: inputBaud, OpenTimeout: 30 * time.Second})
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "start a fresh download of a CWE package",
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := acquireDownloadLock()
		if err != nil {
			return err
		}
		defer lock.Release()

		opener, err := loadOpener(deviceMap)
		if err != nil {
			return err
		}
		ssdata, err := statusPath()
		if err != nil {
			return err
		}
		fd, err := openInput()
		if err != nil {
			return err
		}
		defer fd.Close()

		s := session.New(session.Deployment{DualSystem: dualSystem}, opener, ssdata, resumeDir, scratchDir)
		platform := &cliPlatform{assumeUnsynced: assumeUnsyncedFlag}
		if err := ssdata.InitDownload(disableSyncCheck, platform, func() error { return resume.Clear(resumeDir) }); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start := time.Now()
		err = s.Download(ctx, fd)
		saveErr := saveStatus(ssdata)
		if err != nil {
			return err
		}
		if saveErr != nil {
			return saveErr
		}
		fmt.Printf("download complete in %s\n", humanize.RelTime(start, time.Now(), "", ""))
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "resume a download previously interrupted mid-leaf",
	RunE: func(cmd *cobra.Command, args []string) error {
		lock, err := acquireDownloadLock()
		if err != nil {
			return err
		}
		defer lock.Release()

		opener, err := loadOpener(deviceMap)
		if err != nil {
			return err
		}
		ssdata, err := statusPath()
		if err != nil {
			return err
		}
		fd, err := openInput()
		if err != nil {
			return err
		}
		defer fd.Close()

		pos, err := session.New(session.Deployment{DualSystem: dualSystem}, opener, ssdata, resumeDir, scratchDir).ResumePosition()
		if err != nil {
			return err
		}
		fmt.Printf("resuming from byte offset %s\n", humanize.Comma(int64(pos)))

		s := session.New(session.Deployment{DualSystem: dualSystem}, opener, ssdata, resumeDir, scratchDir)
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = s.Resume(ctx, fd)
		saveErr := saveStatus(ssdata)
		if err != nil {
			return err
		}
		return saveErr
	},
}

func init() {
	addInputFlags(downloadCmd)
	addInputFlags(resumeCmd)
	downloadCmd.Flags().BoolVar(&disableSyncCheck, "disable-sync-before-update", false, "skip the A/B sync check before starting")
	downloadCmd.Flags().BoolVar(&assumeUnsyncedFlag, "assume-unsynced", false, "treat the platform as desynchronized (diagnostic use only)")
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(resumeCmd)
}
