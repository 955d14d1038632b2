package main

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/shadowmesh/vpntun/pkg/endpoint"
	"github.com/shadowmesh/vpntun/pkg/logging"
	"github.com/shadowmesh/vpntun/pkg/tun"
	"github.com/shadowmesh/vpntun/pkg/udpio"
)

// newDebugCmd implements spec.md §6's "-d": run one server and one
// client endpoint in-process against loopback UDP and in-memory TUN
// devices, exercising the full state machine without real kernel
// interfaces. Supplemented from original_source/main.c's debug path.
func newDebugCmd() *cobra.Command {
	mtu := 1400
	serverBlock := "10.9.7.0"
	clientBlock := "10.9.6.0"

	cmd := &cobra.Command{
		Use:   "debug",
		Short: "run an in-process server/client smoke test over loopback UDP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDebug(mtu, serverBlock, clientBlock)
		},
	}

	cmd.Flags().IntVarP(&mtu, "mtu", "l", 1400, "TUN device MTU")
	cmd.Flags().StringVar(&serverBlock, "server-block", serverBlock, "server tunnel address block")
	cmd.Flags().StringVar(&clientBlock, "client-block", clientBlock, "client tunnel address block")

	return cmd
}

func runDebug(mtu int, serverBlock, clientBlock string) error {
	log, err := logging.New("debug", logging.DEBUG, "")
	if err != nil {
		return fmt.Errorf("open log: %w", err)
	}
	defer log.Close()

	serverSock, err := udpio.Open(false)
	if err != nil {
		return fmt.Errorf("open server socket: %w", err)
	}
	if err := serverSock.Bind(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}); err != nil {
		return fmt.Errorf("bind server socket: %w", err)
	}
	serverAddr := serverSock.LocalAddr()

	clientSock, err := udpio.Open(false)
	if err != nil {
		return fmt.Errorf("open client socket: %w", err)
	}
	if err := clientSock.Connect(serverAddr); err != nil {
		return fmt.Errorf("connect client socket: %w", err)
	}

	serverDev, _ := tun.NewPipe(mtu)
	clientDev, _ := tun.NewPipe(mtu)

	serverBlockIP := net.ParseIP(serverBlock)
	clientBlockIP := net.ParseIP(clientBlock)

	server, err := endpoint.New(endpoint.Config{
		Mode:        endpoint.ModeServer,
		Device:      serverDev,
		Socket:      serverSock,
		TunnelBlock: serverBlockIP,
		MTU:         mtu,
		Logger:      log.WithField("role", "server"),
	})
	if err != nil {
		return fmt.Errorf("create server endpoint: %w", err)
	}
	defer server.Close()

	client, err := endpoint.New(endpoint.Config{
		Mode:        endpoint.ModeClient,
		Device:      clientDev,
		Socket:      clientSock,
		TunnelBlock: clientBlockIP,
		MTU:         mtu,
		ServerAddr:  serverAddr,
		Logger:      log.WithField("role", "client"),
	})
	if err != nil {
		return fmt.Errorf("create client endpoint: %w", err)
	}
	defer client.Close()

	client.Connect()
	log.Infof("debug: server %s, client connecting via loopback", serverAddr)

	ctx := waitForShutdown()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := server.Tick(); err != nil {
				return fmt.Errorf("server endpoint: %w", err)
			}
			if err := client.Tick(); err != nil {
				return fmt.Errorf("client endpoint: %w", err)
			}
		}
	}
}
