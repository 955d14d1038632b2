package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/vpntun/pkg/config"
	"github.com/shadowmesh/vpntun/pkg/endpoint"
	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/udpio"
)

func newServeCmd() *cobra.Command {
	flags := &tunnelFlags{}
	var bindAddr string
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run as a server, accepting many clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(flags, bindAddr, configPath)
		},
	}

	addTunnelFlags(cmd, flags)
	cmd.Flags().StringVarP(&bindAddr, "bind", "s", fmt.Sprintf("0.0.0.0:%d", 10980), "UDP bind address")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file (flags override its values)")

	return cmd
}

func runServe(flags *tunnelFlags, bindAddr, configPath string) error {
	cfg := config.GenerateDefaultConfig("server")
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Tunnel.BindAddr = bindAddr
	cfg.Tunnel.TunnelBlock = flags.tunnelBlock
	cfg.Tunnel.Netmask = flags.netmask
	cfg.Tunnel.MTU = flags.mtu
	cfg.Tunnel.DeviceName = flags.ifaceName
	cfg.Tunnel.Persistent = flags.persistent

	log, err := logging.New("endpoint", parseLevel(flags.logLevel), flags.logFile)
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	log.SetRotation(cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	defer log.Close()

	dev, block, err := openDevice(flags)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}
	sock, err := udpio.Open(false)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	if err := sock.Bind(addr); err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}
	if err := sock.SetFirewallMark(cfg.Security.FirewallMark); err != nil {
		log.Warnf("set firewall mark: %v", err)
	}

	codec, err := buildCodec(flags.cipherName, flags.presharedSecret, flags.compressorName)
	if err != nil {
		return err
	}

	ctx := waitForShutdown()
	comp := attachOptionalComponents(ctx, cfg, log)
	defer comp.close()

	ep, err := endpoint.New(endpoint.Config{
		Mode:        endpoint.ModeServer,
		Device:      dev,
		Socket:      sock,
		Codec:       codec,
		TunnelBlock: block,
		MTU:         flags.mtu,
		Logger:      log,
		Hooks:       comp.hooks,
	})
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	defer ep.Close()

	log.Infof("serving on %s, tunnel block %s", bindAddr, flags.tunnelBlock)
	go publishSnapshots(ctx, ep, comp.status, comp.control)

	return runEndpoint(ctx, ep, log)
}
