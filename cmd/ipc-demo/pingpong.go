package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ironfang-ltd/go-coreipc"
	"github.com/spf13/cobra"
)

var pingpongCmd = &cobra.Command{
	Use:   "pingpong",
	Short: "Nest synchronous calls between two in-process connections",
	Long: `Connect two endpoints over an in-process pipe and bounce a Ping
between them: each side answers Ping n by first calling Ping n-1 on the
other side. With --shared-loop both endpoints live on one run loop.`,
	RunE: runPingPong,
}

var (
	pingDepth      int
	pingSharedLoop bool
)

func init() {
	pingpongCmd.Flags().IntVar(&pingDepth, "depth", 8, "nesting depth")
	pingpongCmd.Flags().BoolVar(&pingSharedLoop, "shared-loop", false, "run both endpoints on one run loop")
	rootCmd.AddCommand(pingpongCmd)
}

// pinger answers Ping n with the reply of Ping n-1 from the peer plus one
// hop marker.
type pinger struct {
	name    string
	timeout time.Duration
}

func (p *pinger) OnMessage(c *coreipc.Connection, env *coreipc.Envelope) {
	c.MarkCurrentlyDispatchedMessageInvalid()
}

func (p *pinger) OnSyncMessage(c *coreipc.Connection, env *coreipc.Envelope, reply *coreipc.Reply) {
	n := env.Destination
	if n == 0 {
		reply.SetPayload([]byte(p.name))
		return
	}

	r, err := c.SendSync(coreipc.NewSyncEnvelope("Test", "Ping", n-1, nil), p.timeout, 0)
	if err != nil {
		reply.SetPayload([]byte("error: " + err.Error()))
		return
	}
	reply.SetPayload(append(append(r.Payload, '<'), p.name...))
}

func (p *pinger) OnInvalidMessage(c *coreipc.Connection, receiver, message string) {}

func (p *pinger) OnClosed(c *coreipc.Connection) {}

func runPingPong(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if pingDepth < 0 {
		return fmt.Errorf("--depth must not be negative")
	}

	loopA := coreipc.NewRunLoop()
	loopA.Start()
	defer loopA.Stop()
	coordA := coreipc.NewSyncCoordinator(loopA)

	coordB := coordA
	if !pingSharedLoop {
		loopB := coreipc.NewRunLoop()
		loopB.Start()
		defer loopB.Stop()
		coordB = coreipc.NewSyncCoordinator(loopB)
	}

	pa, pb := coreipc.NewPipe(cfg.PipeCapacity)
	a := coreipc.NewConnection(coordA, pa, &pinger{name: "a", timeout: cfg.SyncTimeout}, coreipc.WithName("a"))
	b := coreipc.NewConnection(coordB, pb, &pinger{name: "b", timeout: cfg.SyncTimeout}, coreipc.WithName("b"))
	defer a.Invalidate()
	defer b.Invalidate()

	if err := a.Open(); err != nil {
		return err
	}
	if err := b.Open(); err != nil {
		return err
	}

	var reply *coreipc.Envelope
	start := time.Now()
	loopA.Invoke(func() {
		reply, err = a.SendSync(coreipc.NewSyncEnvelope("Test", "Ping", uint64(pingDepth), nil), cfg.SyncTimeout, 0)
	})
	if err != nil {
		return fmt.Errorf("ping %d: %w", pingDepth, err)
	}

	fmt.Printf("depth %s answered in %v\n", strconv.Itoa(pingDepth), time.Since(start).Round(time.Microsecond))
	fmt.Printf("path: %s\n", reply.Payload)
	fmt.Printf("a dispatched while waiting: %d, b dispatched while waiting: %d\n",
		a.Metrics().DispatchedWhileWaiting.Load(), b.Metrics().DispatchedWhileWaiting.Load())
	return nil
}
