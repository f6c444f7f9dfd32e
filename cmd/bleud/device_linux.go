package main

import (
	"github.com/currantlabs/ble/linux"

	"github.com/1amageek/bleu/rpc/link/gattlink"
)

// newDevice opens the host's HCI socket as a BLE peripheral device. The
// advertised name is bound later via AdvertiseNameAndServices, so it is
// unused here; it is still accepted for symmetry with the darwin build.
func newDevice(name string) (gattlink.Device, error) {
	return linux.NewDevice()
}
