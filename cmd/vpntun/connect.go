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

func newConnectCmd() *cobra.Command {
	flags := &tunnelFlags{}
	var serverAddr string
	var configPath string

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "run as a client, connecting to one server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(flags, serverAddr, configPath)
		},
	}

	addTunnelFlags(cmd, flags)
	cmd.Flags().StringVarP(&serverAddr, "connect", "c", "", "server address to connect to")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file (flags override its values)")
	cmd.MarkFlagRequired("connect")

	return cmd
}

func runConnect(flags *tunnelFlags, serverAddr, configPath string) error {
	cfg := config.GenerateDefaultConfig("client")
	if configPath != "" {
		loaded, err := config.LoadConfig(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.Tunnel.ServerAddr = serverAddr
	cfg.Tunnel.TunnelBlock = flags.tunnelBlock

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

	addr, err := net.ResolveUDPAddr("udp", serverAddr)
	if err != nil {
		return fmt.Errorf("resolve server address: %w", err)
	}
	sock, err := udpio.Open(false)
	if err != nil {
		return fmt.Errorf("open socket: %w", err)
	}
	if err := sock.Connect(addr); err != nil {
		return fmt.Errorf("connect socket: %w", err)
	}
	if err := sock.SetFirewallMark(cfg.Security.FirewallMark); err != nil {
		log.Warnf("set firewall mark: %v", err)
	}

	codec, err := buildCodec(flags.cipherName, flags.presharedSecret, flags.compressorName)
	if err != nil {
		return err
	}

	ctx := waitForShutdown()

	ep, err := endpoint.New(endpoint.Config{
		Mode:        endpoint.ModeClient,
		Device:      dev,
		Socket:      sock,
		Codec:       codec,
		TunnelBlock: block,
		MTU:         flags.mtu,
		ServerAddr:  addr,
		Logger:      log,
	})
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}
	defer ep.Close()

	ep.Connect()
	log.Infof("connecting to %s, tunnel block %s", serverAddr, flags.tunnelBlock)

	return runEndpoint(ctx, ep, log)
}
