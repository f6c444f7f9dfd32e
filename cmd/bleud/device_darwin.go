package main

import (
	"github.com/currantlabs/ble/darwin"

	"github.com/1amageek/bleu/rpc/link/gattlink"
)

// newDevice opens CoreBluetooth as a BLE peripheral device via
// currantlabs/ble's cgo-backed darwin package.
func newDevice(name string) (gattlink.Device, error) {
	return darwin.NewDevice()
}
