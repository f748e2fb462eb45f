package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinkerator/fwupdate/internal/cwe"
	"github.com/tinkerator/fwupdate/internal/writer"
	"zappem.net/pub/debug/xxd"
)

var (
	dumpKind string
	dumpFile string
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "hex-dump and decode a CWE header, staging metadata block, or raw file for field support",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(dumpFile)
		if err != nil {
			return err
		}
		switch dumpKind {
		case "header":
			if len(raw) < cwe.HeaderSize {
				return fmt.Errorf("dump: file is %d bytes, want at least %d for a header", len(raw), cwe.HeaderSize)
			}
			h, err := cwe.LoadHeader(raw[:cwe.HeaderSize])
			if err != nil {
				fmt.Fprintln(os.Stderr, "warning: header failed validation:", err)
			} else {
				fmt.Printf("image_type=%s image_size=%d image_crc32=0x%08x misc_opts=0x%02x\n",
					h.ImageType, h.ImageSize, h.ImageCRC32, h.MiscOpts)
			}
			xxd.Print(0, raw[:cwe.HeaderSize])
		case "metadata":
			m, err := writer.DecodeMetadata(raw)
			if err != nil {
				fmt.Fprintln(os.Stderr, "warning: metadata failed validation:", err)
			} else {
				fmt.Printf("version=%d offset=%d image_size=%d nb_components=%d\n",
					m.Version, m.Offset, m.ImageSize, m.NbComponents)
			}
			xxd.Print(0, raw)
		case "raw":
			xxd.Print(0, raw)
		default:
			return fmt.Errorf("dump: unknown --kind %q (want header, metadata, or raw)", dumpKind)
		}
		return nil
	},
}

func init() {
	dumpCmd.Flags().StringVar(&dumpKind, "kind", "raw", "what raw bytes to decode: header, metadata, or raw")
	dumpCmd.Flags().StringVar(&dumpFile, "file", "", "file to read")
	dumpCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(dumpCmd)
}
