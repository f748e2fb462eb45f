package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tinkerator/fwupdate/internal/flash"
	"github.com/tinkerator/fwupdate/internal/system"
	"zappem.net/pub/debug/xcrc32"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "report the current update status",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := statusPath()
		if err != nil {
			return err
		}
		_, label := s.GetUpdateStatus()
		fmt.Println(label)
		if mask := s.GetBadImageMask(); mask != 0 {
			fmt.Printf("bad image mask: 0x%x\n", mask)
		}
		return nil
	},
}

var setBadImageCmd = &cobra.Command{
	Use:   "set-bad-image",
	Short: "set or clear bits in the bad-image bitmask",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := statusPath()
		if err != nil {
			return err
		}
		s.SetBadImage(badImageMask, !clearBadImage)
		return saveStatus(s)
	},
}

var (
	badImageMask  uint64
	clearBadImage bool
)

var markGoodCmd = &cobra.Command{
	Use:   "mark-good",
	Short: "confirm the newly-swapped side booted cleanly",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := statusPath()
		if err != nil {
			return err
		}
		platform := &cliPlatform{}
		if err := s.MarkGood(platform); err != nil {
			return err
		}
		return saveStatus(s)
	},
}

// componentManifestEntry names one partition-table component for the
// install pre-flight pass: which partition backs it, how many bytes of
// it are significant, and the CRC32 that partition's contents must
// match before a swap is requested.
type componentManifestEntry struct {
	Name   string `json:"name"`
	UBI    bool   `json:"ubi"`
	Length uint32 `json:"length"`
	Want   uint32 `json:"want"`
}

var (
	manifestPath  string
	markGoodAfter bool
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "validate every component's CRC32 and request an A/B swap",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(manifestPath)
		if err != nil {
			return err
		}
		var entries []componentManifestEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return err
		}

		opener, err := loadOpener(deviceMap)
		if err != nil {
			return err
		}
		checks := make([]system.ComponentCheck, 0, len(entries))
		for _, e := range entries {
			got, err := crcOfPartition(opener, e)
			if err != nil {
				return err
			}
			checks = append(checks, system.ComponentCheck{Name: e.Name, Got: got, Want: e.Want})
		}

		s, err := statusPath()
		if err != nil {
			return err
		}
		platform := &cliPlatform{}
		if err := s.Install(markGoodAfter, platform, checks); err != nil {
			return err
		}
		return saveStatus(s)
	},
}

func crcOfPartition(opener interface {
	OpenRaw(mtdNum int, name string, mode flash.Mode) (flash.Device, error)
	OpenUBI(mtdNum int, name string, mode flash.Mode, force bool) (flash.UBIDevice, error)
}, e componentManifestEntry) (uint32, error) {
	if e.UBI {
		dev, err := opener.OpenUBI(0, e.Name, flash.ModeRead, false)
		if err != nil {
			return 0, err
		}
		defer dev.Close()
		buf := make([]byte, e.Length)
		if _, err := dev.ReadAt(0, buf); err != nil {
			return 0, err
		}
		_, crc := xcrc32.NewCRC32(buf)
		return crc, nil
	}
	dev, err := opener.OpenRaw(0, e.Name, flash.ModeRead)
	if err != nil {
		return 0, err
	}
	defer dev.Close()
	buf := make([]byte, e.Length)
	if _, err := dev.ReadAt(0, buf); err != nil {
		return 0, err
	}
	_, crc := xcrc32.NewCRC32(buf)
	return crc, nil
}

var systemGetCmd = &cobra.Command{
	Use:   "get",
	Short: "report which side of each partition group is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := statusPath()
		if err != nil {
			return err
		}
		for g, side := range s.GetSystem() {
			fmt.Printf("%s: side %d\n", groupName(g), side)
		}
		return nil
	},
}

var (
	systemGroupFlag string
	systemSideFlag  int
)

var systemSetCmd = &cobra.Command{
	Use:   "set",
	Short: "force which side of a partition group is active",
	RunE: func(cmd *cobra.Command, args []string) error {
		g, err := parseGroup(systemGroupFlag)
		if err != nil {
			return err
		}
		s, err := statusPath()
		if err != nil {
			return err
		}
		if err := s.SetSystem(g, system.Side(systemSideFlag)); err != nil {
			return err
		}
		return saveStatus(s)
	},
}

var systemCmd = &cobra.Command{
	Use:   "system",
	Short: "get or set the active side of a partition group",
}

func groupName(g system.Group) string {
	switch g {
	case system.ModemGroup:
		return "modem"
	case system.LkGroup:
		return "lk"
	case system.LinuxGroup:
		return "linux"
	default:
		return "unknown"
	}
}

func parseGroup(s string) (system.Group, error) {
	switch s {
	case "modem":
		return system.ModemGroup, nil
	case "lk":
		return system.LkGroup, nil
	case "linux":
		return system.LinuxGroup, nil
	default:
		return 0, fmt.Errorf("unknown group %q (want modem, lk, or linux)", s)
	}
}

func init() {
	setBadImageCmd.Flags().Uint64Var(&badImageMask, "mask", 0, "bitmask to set or clear")
	setBadImageCmd.Flags().BoolVar(&clearBadImage, "clear", false, "clear the given bits instead of setting them")

	installCmd.Flags().StringVar(&manifestPath, "manifest", "", "JSON file listing components to validate before swap")
	installCmd.Flags().BoolVar(&markGoodAfter, "mark-good", false, "mark the new side good immediately after the swap")
	installCmd.MarkFlagRequired("manifest")

	systemSetCmd.Flags().StringVar(&systemGroupFlag, "group", "", "partition group: modem, lk, or linux")
	systemSetCmd.Flags().IntVar(&systemSideFlag, "side", 1, "active side: 1 or 2")
	systemCmd.AddCommand(systemGetCmd, systemSetCmd)

	rootCmd.AddCommand(statusCmd, setBadImageCmd, markGoodCmd, installCmd, systemCmd)
}
