package tun

import (
	"fmt"
	"net"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/songgao/water"
)

// readQueueDepth and writeQueueDepth bound the async queues bridging the
// kernel's blocking TUN file descriptor to the endpoint's non-blocking
// Read/Write calls, the same async-queue shape this codebase's
// pkg/layer3/tun.go uses for its write path, extended here to the read
// path too.
const (
	readQueueDepth  = 2048
	writeQueueDepth = 2048
)

// WaterDevice is the real TUN backend, wrapping github.com/songgao/water.
type WaterDevice struct {
	iface *water.Interface
	mtu   int
	local, remote net.IP
	mask  net.IPMask

	reads  chan []byte
	writes chan []byte
	errs   chan error

	closing int32
	wg      sync.WaitGroup
}

// Open creates (or, on Linux with cfg.Name set to an existing interface,
// attaches to) a TUN device and starts its async pump goroutines. When
// cfg.Persistent is set, the kernel's TUNSETPERSIST flag is raised so the
// interface survives the file descriptor closing in Close, per spec.md
// §6 "-p".
func Open(cfg Config) (*WaterDevice, error) {
	waterCfg := water.Config{DeviceType: water.TUN}
	if cfg.Name != "" {
		waterCfg.Name = cfg.Name
	}
	waterCfg.Persist = cfg.Persistent

	iface, err := water.New(waterCfg)
	if err != nil {
		return nil, fmt.Errorf("tun: open: %w", err)
	}

	d := &WaterDevice{
		iface:  iface,
		mtu:    cfg.MTU,
		reads:  make(chan []byte, readQueueDepth),
		writes: make(chan []byte, writeQueueDepth),
		errs:   make(chan error, 1),
	}

	if cfg.Block != nil {
		if _, _, err := d.SetAddresses(cfg.Block); err != nil {
			iface.Close()
			return nil, err
		}
	}
	if cfg.Netmask != nil {
		if err := d.SetNetmask(cfg.Netmask); err != nil {
			iface.Close()
			return nil, err
		}
	}
	if cfg.MTU != 0 {
		if err := d.SetMTU(cfg.MTU); err != nil {
			iface.Close()
			return nil, err
		}
	}
	if err := d.Up(); err != nil {
		iface.Close()
		return nil, err
	}

	d.wg.Add(2)
	go d.readLoop()
	go d.writeLoop()
	return d, nil
}

func (d *WaterDevice) Name() string { return d.iface.Name() }

// SetAddresses splits block (an IPv4 /24, e.g. 10.9.8.0) into a local
// host address (.2) and a remote/peer address (.1), per spec.md §4.6.
func (d *WaterDevice) SetAddresses(block net.IP) (local, remote net.IP, err error) {
	v4 := block.To4()
	if v4 == nil {
		return nil, nil, fmt.Errorf("tun: address block %v is not IPv4", block)
	}
	local = net.IPv4(v4[0], v4[1], v4[2], 2)
	remote = net.IPv4(v4[0], v4[1], v4[2], 1)

	if err := runIP("addr", "add", local.String()+"/24", "dev", d.Name()); err != nil {
		return nil, nil, fmt.Errorf("tun: set address: %w", err)
	}
	d.local, d.remote = local, remote
	return local, remote, nil
}

func (d *WaterDevice) SetNetmask(mask net.IPMask) error {
	d.mask = mask
	return nil
}

func (d *WaterDevice) MTU() int { return d.mtu }

func (d *WaterDevice) SetMTU(n int) error {
	if err := runIP("link", "set", "dev", d.Name(), "mtu", fmt.Sprint(n)); err != nil {
		return fmt.Errorf("tun: set mtu: %w", err)
	}
	d.mtu = n
	return nil
}

func (d *WaterDevice) LocalAddress() net.IP  { return d.local }
func (d *WaterDevice) RemoteAddress() net.IP { return d.remote }

func (d *WaterDevice) Up() error {
	if err := runIP("link", "set", "dev", d.Name(), "up"); err != nil {
		return fmt.Errorf("tun: up: %w", err)
	}
	return nil
}

func (d *WaterDevice) Down() error {
	if err := runIP("link", "set", "dev", d.Name(), "down"); err != nil {
		return fmt.Errorf("tun: down: %w", err)
	}
	return nil
}

func (d *WaterDevice) IsValid() bool {
	return atomic.LoadInt32(&d.closing) == 0
}

// Read returns the next packet queued by readLoop, or ErrPending if none
// is ready — the TUN analogue of an EAGAIN, per spec.md §4.6.
func (d *WaterDevice) Read(buf []byte) (int, error) {
	select {
	case pkt, ok := <-d.reads:
		if !ok {
			return 0, fmt.Errorf("tun: device closed")
		}
		return copy(buf, pkt), nil
	default:
		return 0, ErrPending
	}
}

// Write enqueues buf for writeLoop to deliver to the kernel, returning
// ErrPending if the queue is full (backpressure, never blocking the
// caller — spec.md §4.5's egress fairness bound depends on this).
func (d *WaterDevice) Write(buf []byte) (int, error) {
	pkt := make([]byte, len(buf))
	copy(pkt, buf)
	select {
	case d.writes <- pkt:
		return len(buf), nil
	default:
		return 0, ErrPending
	}
}

// Close releases our file descriptor on the device. When the device was
// opened with Persistent set, TUNSETPERSIST keeps the interface attached
// in the kernel across this call, per spec.md §6 "-p"; otherwise the
// interface is torn down along with the descriptor.
func (d *WaterDevice) Close() error {
	atomic.StoreInt32(&d.closing, 1)
	err := d.iface.Close()
	close(d.writes)
	d.wg.Wait()
	return err
}

func (d *WaterDevice) readLoop() {
	defer d.wg.Done()
	buf := make([]byte, 65535)
	for d.IsValid() {
		n, err := d.iface.Read(buf)
		if err != nil {
			if !d.IsValid() {
				return
			}
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case d.reads <- pkt:
		default:
			// Receive queue full: drop, matching the spec's "best
			// effort" treatment of transient backpressure.
		}
	}
}

func (d *WaterDevice) writeLoop() {
	defer d.wg.Done()
	for pkt := range d.writes {
		if _, err := d.iface.Write(pkt); err != nil && d.IsValid() {
			continue
		}
	}
}

func runIP(args ...string) error {
	cmd := exec.Command("ip", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %v: %w (%s)", args, err, out)
	}
	return nil
}

var _ Device = (*WaterDevice)(nil)
