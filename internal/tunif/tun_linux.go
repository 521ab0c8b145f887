package tunif

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux-specific constants for the /dev/net/tun ioctl interface. x/sys/unix
// does not export these on every architecture, so they are defined here the
// way most Go TUN implementations do: mirroring <linux/if_tun.h> directly.
const (
	ifNameSize = unix.IFNAMSIZ
	iffTUN     = 0x0001
	iffNoPI    = 0x1000
	tunSetIFF  = 0x400454ca
)

// ifReq mirrors struct ifreq from <net/if.h> for the fields TUNSETIFF uses.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte // pad ifreq out to its kernel size (40 bytes on linux/amd64)
}

// ErrShortRead indicates the kernel returned zero bytes, which should never
// happen for a correctly opened TUN device.
var ErrShortRead = errors.New("tunif: short read from tun device")

// Device is a Linux TUN interface. It satisfies overlay.TUNDevice.
type Device struct {
	file *os.File
	name string
}

// Open creates (or attaches to) a TUN interface named by pattern (e.g.
// "mesh%d" lets the kernel pick a suffix; "" also lets the kernel choose).
// IFF_NO_PI is always set: the client never sees the 4-byte packet
// information header some platforms prepend.
func Open(pattern string) (*Device, error) {
	file, err := os.OpenFile("/dev/net/tun", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tunif: open /dev/net/tun: %w", err)
	}

	var req ifReq
	copy(req.Name[:], pattern)
	req.Flags = iffTUN | iffNoPI

	if _, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		file.Fd(),
		tunSetIFF,
		uintptr(unsafe.Pointer(&req)),
	); errno != 0 {
		_ = file.Close()
		return nil, fmt.Errorf("tunif: TUNSETIFF: %w", errno)
	}

	name := string(req.Name[:])
	if idx := indexNul(name); idx >= 0 {
		name = name[:idx]
	}

	return &Device{file: file, name: name}, nil
}

func indexNul(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] == 0 {
			return i
		}
	}
	return -1
}

// Name returns the kernel-assigned (or requested) interface name.
func (d *Device) Name() string {
	return d.name
}

// Read returns one whole IP datagram per call; the kernel never splits a
// packet across reads on a TUN device.
func (d *Device) Read(buf []byte) (int, error) {
	n, err := d.file.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("tunif: read: %w", err)
	}
	if n == 0 {
		return 0, ErrShortRead
	}
	return n, nil
}

// Write transmits one whole IP datagram.
func (d *Device) Write(buf []byte) (int, error) {
	n, err := d.file.Write(buf)
	if err != nil {
		return 0, fmt.Errorf("tunif: write: %w", err)
	}
	return n, nil
}

// Configure assigns addr/prefixLen to the device, brings it
// administratively up, and installs a route for the containing subnet —
// shelling out to the `ip` command, since netlink address/route
// manipulation has no simpler stdlib path.
func (d *Device) Configure(addr netip.Addr, prefixLen int) error {
	cidr := fmt.Sprintf("%s/%d", addr, prefixLen)

	if err := runIP("addr", "add", cidr, "dev", d.name); err != nil {
		return fmt.Errorf("tunif: assign address: %w", err)
	}
	if err := runIP("link", "set", "dev", d.name, "up"); err != nil {
		return fmt.Errorf("tunif: bring interface up: %w", err)
	}

	return nil
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v: %w: %s", args, err, out)
	}
	return nil
}

// Close releases the device's file descriptor. The interface itself is
// torn down by the kernel once the last reference closes, unless it was
// created persistent (this package never requests persistence).
func (d *Device) Close() error {
	if err := d.file.Close(); err != nil {
		return fmt.Errorf("tunif: close: %w", err)
	}
	return nil
}
