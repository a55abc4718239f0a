package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ironfang-ltd/go-coreipc"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept connections and echo what they send",
	Long: `Listen on a unix or TCP socket and serve every connection on one run loop.

Handles:
- Echo/Call    synchronous, replies with the request payload
- Echo/Slow    synchronous, replies later from another goroutine
- Echo/Notify  asynchronous, answered with Echo/NotifyAck`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "address to listen on, unix:/path or tcp:host:port")
	_ = viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	serveCmd.Flags().String("admin", "", "admin HTTP address (disabled when empty)")
	_ = viper.BindPFlag("admin_addr", serveCmd.Flags().Lookup("admin"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	watchConfig()

	network, address := parseAddr(cfg.Listen)
	if network == "unix" {
		_ = os.Remove(address)
	}

	ln, err := coreipc.ListenNet(network, address, cfg.Name, coreipc.WithReadTimeout(cfg.ReadTimeout))
	if err != nil {
		return err
	}
	defer ln.Close()

	registry := coreipc.NewRegistry()

	if cfg.AdminAddr != "" {
		as, err := coreipc.NewAdminServer(registry, cfg.AdminAddr)
		if err != nil {
			return fmt.Errorf("failed to start admin server: %w", err)
		}
		as.Start()
		defer as.Stop()
	}

	loop := coreipc.NewRunLoop()
	coord := coreipc.NewSyncCoordinator(loop)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		slog.Info("shutting down", "connections", registry.Count())
		ln.Close()
		registry.InvalidateAll()
		loop.Stop()
	}()

	go acceptLoop(ln, coord, registry, cfg)

	slog.Info("serving", "network", network, "address", ln.Addr().String(), "name", cfg.Name)

	// The main goroutine owns the loop.
	loop.Run()
	return nil
}

func acceptLoop(ln *coreipc.NetListener, coord *coreipc.SyncCoordinator, registry *coreipc.Registry, cfg *Config) {
	for {
		adapter, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Error("accept failed", "error", err)
			}
			return
		}

		c := coreipc.NewConnection(coord, adapter, echoServer{},
			coreipc.WithName(adapter.PeerName()),
			coreipc.WithRegistry(registry),
			coreipc.WithSyncPollInterval(cfg.PollInterval),
		)
		if err := c.Open(); err != nil {
			slog.Error("open failed", "peer", adapter.PeerName(), "error", err)
			adapter.Close()
		}
	}
}

// echoServer answers the demo protocol on the server's run loop.
type echoServer struct{}

func (echoServer) OnMessage(c *coreipc.Connection, env *coreipc.Envelope) {
	if env.Receiver != "Echo" || env.Message != "Notify" {
		c.MarkCurrentlyDispatchedMessageInvalid()
		return
	}
	c.Send(coreipc.NewEnvelope("Echo", "NotifyAck", env.Destination, env.Payload), 0)
}

func (echoServer) OnSyncMessage(c *coreipc.Connection, env *coreipc.Envelope, reply *coreipc.Reply) {
	if env.Receiver != "Echo" {
		c.MarkCurrentlyDispatchedMessageInvalid()
		return
	}

	switch env.Message {
	case "Call":
		reply.SetPayload(env.Payload)
	case "Slow":
		reply.Defer()
		go func() {
			time.Sleep(10 * time.Millisecond)
			reply.SetPayload(env.Payload)
			reply.Send()
		}()
	default:
		c.MarkCurrentlyDispatchedMessageInvalid()
	}
}

func (echoServer) OnInvalidMessage(c *coreipc.Connection, receiver, message string) {
	slog.Warn("invalid message", "conn", c.Name(), "receiver", receiver, "message", message)
}

func (echoServer) OnClosed(c *coreipc.Connection) {
	slog.Info("peer disconnected", "conn", c.Name(), "id", c.ID())
}
