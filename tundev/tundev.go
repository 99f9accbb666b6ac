// Package tundev wraps a Layer-3 TUN device behind a plain read/write
// stream abstraction. Point-to-point address/netmask/up configuration is an
// external collaborator's job (see the CLI surface in the project's own
// operational docs) — this package only opens the device and shuttles raw
// IP packets in and out of it.
package tundev

import (
	"fmt"

	"golang.zx2c4.com/wireguard/tun"
)

// Device is a single-packet-at-a-time adaptor over a platform TUN handle.
type Device struct {
	dev tun.Device
	mtu int

	bufs [][]byte
	szs  []int
}

// Open creates (or attaches to, on platforms where the name is fixed) a TUN
// device with the given MTU. The wireguard/tun library already hides the
// Linux packet-information preamble and macOS utun framing differences
// behind its batched Read/Write API, so callers here only ever see bare IP
// packets.
func Open(name string, mtu int) (*Device, error) {
	dev, err := tun.CreateTUN(name, mtu)
	if err != nil {
		return nil, fmt.Errorf("open tun device %q: %w", name, err)
	}
	return &Device{
		dev:  dev,
		mtu:  mtu,
		bufs: [][]byte{make([]byte, mtu+32)},
		szs:  make([]int, 1),
	}, nil
}

// Name returns the OS-assigned interface name.
func (d *Device) Name() (string, error) {
	return d.dev.Name()
}

// Read blocks for the next IP packet and returns it as p[:n]. n == 0 (with
// a nil error) signals the interface went down; the TX activity must treat
// that as a clean shutdown of its loop.
func (d *Device) Read(p []byte) (int, error) {
	n, err := d.dev.Read(d.bufs, d.szs, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	size := d.szs[0]
	copy(p, d.bufs[0][:size])
	return size, nil
}

// Write injects a single reconstructed IP packet into the kernel.
func (d *Device) Write(p []byte) (int, error) {
	return d.dev.Write([][]byte{p}, 0)
}

// Close releases the underlying device.
func (d *Device) Close() error {
	return d.dev.Close()
}
