package main

import "github.com/tinkerator/fwupdate/internal/flash"

// cliPlatform is a minimal stand-in for the PLATFORM collaborator spec
// §6 leaves external to this module: querying real A/B sync state,
// requesting an actual bootloader swap, rebooting the modem, and
// reading live ECC counters all require board-specific integration
// this repository does not own. It exists only so the download/install
// CLI paths below have something to call; a real deployment replaces
// this type wholesale.
type cliPlatform struct {
	assumeUnsynced bool
}

func (p *cliPlatform) Synced() (bool, error) { return !p.assumeUnsynced, nil }

func (p *cliPlatform) RequestSwap(markGoodAfter bool) error {
	// The actual bootloader swap trigger is board-specific and, per the
	// non-goals this module inherits, is not implemented here.
	return nil
}

func (p *cliPlatform) Reboot() error { return nil }

func (p *cliPlatform) EccStats() (flash.EccStats, error) { return flash.EccStats{}, nil }
