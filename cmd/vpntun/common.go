package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/vpntun/pkg/audit"
	"github.com/shadowmesh/vpntun/pkg/cipher"
	"github.com/shadowmesh/vpntun/pkg/compress"
	"github.com/shadowmesh/vpntun/pkg/config"
	"github.com/shadowmesh/vpntun/pkg/controlapi"
	"github.com/shadowmesh/vpntun/pkg/endpoint"
	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/peer"
	"github.com/shadowmesh/vpntun/pkg/peerstore"
	"github.com/shadowmesh/vpntun/pkg/statusapi"
	"github.com/shadowmesh/vpntun/pkg/tun"
	"github.com/shadowmesh/vpntun/pkg/wire"
)

// tunnelFlags mirrors spec.md §6's CLI surface, shared by serve and
// connect.
type tunnelFlags struct {
	tunnelBlock     string
	netmask         string
	mtu             int
	ifaceName       string
	persistent      bool
	cipherName      string
	presharedSecret uint64
	compressorName  string
	logLevel        string
	logFile         string
}

func addTunnelFlags(cmd *cobra.Command, f *tunnelFlags) {
	cmd.Flags().StringVarP(&f.tunnelBlock, "address", "a", "10.9.7.0", "tunnel IPv4 /24 address block")
	cmd.Flags().StringVarP(&f.netmask, "netmask", "m", "255.255.255.0", "TUN device netmask")
	cmd.Flags().IntVarP(&f.mtu, "mtu", "l", 1400, "TUN device MTU")
	cmd.Flags().StringVarP(&f.ifaceName, "interface", "i", "", "requested TUN interface name")
	cmd.Flags().BoolVarP(&f.persistent, "persistent", "p", false, "leave the TUN device attached on shutdown")
	cmd.Flags().StringVar(&f.cipherName, "cipher", "identity", "wire cipher: identity or chacha20poly1305")
	cmd.Flags().Uint64Var(&f.presharedSecret, "preshared-secret", 0, "64-bit key-derivation seed for chacha20poly1305")
	cmd.Flags().StringVar(&f.compressorName, "compressor", "identity", "wire compressor: identity or lz4")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "info", "debug, info, warn, error")
	cmd.Flags().StringVar(&f.logFile, "log-file", "", "log file path (empty logs to stdout)")
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.DEBUG
	case "warn":
		return logging.WARN
	case "error":
		return logging.ERROR
	default:
		return logging.INFO
	}
}

// buildCodec resolves the configured cipher/compressor names into a
// wire.Codec. Unlike the per-peer reconnect secret, the cipher's key is
// seeded from a single preshared value: spec.md §4.1 specifies one
// process-wide cipher hook, not one keyed per peer.
func buildCodec(cipherName string, presharedSecret uint64, compressorName string) (*wire.Codec, error) {
	var c wire.Cipher
	switch cipherName {
	case "", "identity":
		c = nil
	case "chacha20poly1305":
		ch, err := cipher.NewChaCha20Poly1305(cipher.DeriveKey(presharedSecret))
		if err != nil {
			return nil, fmt.Errorf("build chacha20poly1305 cipher: %w", err)
		}
		c = ch
	default:
		return nil, fmt.Errorf("unknown cipher %q", cipherName)
	}

	var z wire.Compressor
	switch compressorName {
	case "", "identity":
		z = nil
	case "lz4":
		z = compress.NewLZ4(wire.MaxMTU)
	default:
		return nil, fmt.Errorf("unknown compressor %q", compressorName)
	}

	return wire.NewCodec(c, z), nil
}

func openDevice(f *tunnelFlags) (tun.Device, net.IP, error) {
	block := net.ParseIP(f.tunnelBlock)
	if block == nil {
		return nil, nil, fmt.Errorf("invalid tunnel address block %q", f.tunnelBlock)
	}
	mask := net.ParseIP(f.netmask)
	if mask == nil {
		return nil, nil, fmt.Errorf("invalid netmask %q", f.netmask)
	}

	dev, err := tun.Open(tun.Config{
		Name:       f.ifaceName,
		Block:      block,
		Netmask:    net.IPv4Mask(mask[12], mask[13], mask[14], mask[15]),
		MTU:        f.mtu,
		Persistent: f.persistent,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open tun device: %w", err)
	}
	return dev, block, nil
}

// runEndpoint ticks ep until ctx is cancelled. Only a fatal error
// returned from Tick stops the loop early, per spec.md §7's error
// taxonomy; everything else is handled and logged inside the endpoint
// itself.
func runEndpoint(ctx context.Context, ep *endpoint.Endpoint, log *logging.Logger) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ep.Tick(); err != nil {
				log.Errorf("endpoint stopped: %v", err)
				return err
			}
		}
	}
}

// waitForShutdown returns a context cancelled on SIGINT/SIGTERM.
func waitForShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()
	return ctx
}

// components bundles the optional domain-stack add-ons a serving
// endpoint may have wired in (SPEC_FULL.md §4.8), so callers have a
// single handle to start snapshot publishing and shut everything down.
type components struct {
	hooks   endpoint.Hooks
	status  *statusapi.Server
	control *controlapi.Server
	close   func()
}

// attachOptionalComponents opens the enabled peerstore/audit/statusapi/
// controlapi backends and builds the endpoint.Hooks that observe every
// connect/reconnect/disconnect transition. Any backend that fails to
// open is logged and skipped rather than treated as fatal: these are
// durability/observability add-ons, never required for the tunnel
// itself to run.
func attachOptionalComponents(ctx context.Context, cfg *config.Config, log *logging.Logger) *components {
	var closers []func() error

	var store *peerstore.Store
	if cfg.Peerstore.Enabled {
		s, err := peerstore.Open(ctx, peerstore.Config{
			Host:     cfg.Peerstore.Host,
			Port:     cfg.Peerstore.Port,
			Password: cfg.Peerstore.Password,
			DB:       cfg.Peerstore.DB,
			TTL:      cfg.Peerstore.TTL,
		})
		if err != nil {
			log.Warnf("peerstore disabled: %v", err)
		} else {
			store = s
			closers = append(closers, store.Close)
		}
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		a, err := audit.Open(audit.Config{
			Host:     cfg.Audit.Host,
			Port:     cfg.Audit.Port,
			User:     cfg.Audit.User,
			Password: cfg.Audit.Password,
			DBName:   cfg.Audit.DBName,
			SSLMode:  cfg.Audit.SSLMode,
		})
		if err != nil {
			log.Warnf("audit log disabled: %v", err)
		} else {
			auditLog = a
			closers = append(closers, auditLog.Close)
		}
	}

	record := func(r *peer.Remote, event string) {
		if store != nil {
			switch event {
			case audit.EventDisconnect:
				if err := store.Forget(ctx, r.ID); err != nil {
					log.Warnf("peerstore forget failed for peer %d: %v", r.ID, err)
				}
			default:
				if err := store.Save(ctx, r.ID, r.Secret, r.VPN); err != nil {
					log.Warnf("peerstore save failed for peer %d: %v", r.ID, err)
				}
			}
		}
		if auditLog != nil {
			if err := auditLog.Record(r.ID, r.Real, r.VPN, event); err != nil {
				log.Warnf("audit record failed for peer %d: %v", r.ID, err)
			}
		}
	}

	hooks := endpoint.Hooks{
		OnConnect:    func(r *peer.Remote) { record(r, audit.EventConnect) },
		OnReconnect:  func(r *peer.Remote) { record(r, audit.EventReconnect) },
		OnDisconnect: func(r *peer.Remote) { record(r, audit.EventDisconnect) },
	}

	var statusSrv *statusapi.Server
	var controlSrv *controlapi.Server
	if cfg.StatusAPI.Enabled {
		statusSrv = statusapi.NewServer(cfg.StatusAPI.ListenAddr)
		go func() {
			if err := statusSrv.ListenAndServe(); err != nil {
				log.Warnf("status api stopped: %v", err)
			}
		}()
		closers = append(closers, statusSrv.Close)

		if cfg.StatusAPI.QUICAddr != "" {
			c, err := controlapi.Listen(cfg.StatusAPI.QUICAddr)
			if err != nil {
				log.Warnf("control api disabled: %v", err)
			} else {
				controlSrv = c
				closers = append(closers, controlSrv.Close)
			}
		}
	}

	return &components{
		hooks:   hooks,
		status:  statusSrv,
		control: controlSrv,
		close: func() {
			for _, c := range closers {
				if err := c(); err != nil {
					log.Warnf("shutdown: %v", err)
				}
			}
		},
	}
}

// publishSnapshots periodically broadcasts ep's peer table to the
// enabled status endpoints until ctx is cancelled.
func publishSnapshots(ctx context.Context, ep *endpoint.Endpoint, status *statusapi.Server, control *controlapi.Server) {
	if status == nil && control == nil {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var snapshot []statusapi.PeerSnapshot
			ep.Each(func(r *peer.Remote) bool {
				snapshot = append(snapshot, statusapi.PeerSnapshot{
					ID:       r.ID,
					State:    r.State.String(),
					RealAddr: addrString(r.Real),
					VPNAddr:  ipString(r.VPN),
					RTT:      r.RTT,
				})
				return true
			})
			if status != nil {
				status.Broadcast(snapshot)
			}
			if control != nil {
				control.SetSnapshot(snapshot)
			}
		}
	}
}

func addrString(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
