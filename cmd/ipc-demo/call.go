package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ironfang-ltd/go-coreipc"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Drive synchronous calls against a running server",
	Long: `Connect to a server and issue --count synchronous Echo/Call requests
from the owning run loop, plus --count more from each of --parallel
off-loop goroutines, then report latency and throughput.`,
	RunE: runCall,
}

var (
	callCount    int
	callParallel int
	callNotify   bool
)

func init() {
	callCmd.Flags().String("addr", "", "server address, unix:/path or tcp:host:port")
	_ = viper.BindPFlag("addr", callCmd.Flags().Lookup("addr"))
	callCmd.Flags().IntVar(&callCount, "count", 100, "calls per caller")
	callCmd.Flags().IntVar(&callParallel, "parallel", 0, "number of off-loop callers")
	callCmd.Flags().BoolVar(&callNotify, "notify", true, "also send Echo/Notify messages and count the acks")
	rootCmd.AddCommand(callCmd)
}

// callClient counts acks on the client's run loop.
type callClient struct {
	acks atomic.Int64
}

func (c *callClient) OnMessage(conn *coreipc.Connection, env *coreipc.Envelope) {
	if env.Message == "NotifyAck" {
		c.acks.Add(1)
	}
}

func (c *callClient) OnSyncMessage(conn *coreipc.Connection, env *coreipc.Envelope, reply *coreipc.Reply) {
	conn.MarkCurrentlyDispatchedMessageInvalid()
}

func (c *callClient) OnInvalidMessage(conn *coreipc.Connection, receiver, message string) {
	slog.Warn("invalid message", "receiver", receiver, "message", message)
}

func (c *callClient) OnClosed(conn *coreipc.Connection) {
	slog.Info("server closed the connection")
}

func (c *callClient) OnSyncMessageSendFailed(conn *coreipc.Connection) {
	slog.Debug("sync call failed", "conn", conn.Name())
}

func runCall(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if callCount <= 0 {
		return fmt.Errorf("--count must be positive")
	}

	network, address := parseAddr(cfg.Addr)
	adapter, err := coreipc.DialNet(network, address, cfg.Name, coreipc.WithReadTimeout(cfg.ReadTimeout))
	if err != nil {
		return err
	}

	loop := coreipc.NewRunLoop()
	loop.Start()
	defer loop.Stop()

	client := &callClient{}
	conn := coreipc.NewConnection(coreipc.NewSyncCoordinator(loop), adapter, client,
		coreipc.WithName(adapter.PeerName()),
		coreipc.WithSyncPollInterval(cfg.PollInterval),
	)
	if err := conn.Open(); err != nil {
		return err
	}
	defer conn.Invalidate()

	start := time.Now()
	cpuStart := cpuTime()
	p := pool.New().WithErrors()

	p.Go(func() error {
		var callErr error
		loop.Invoke(func() {
			callErr = issueCalls(callCount, "loop", func(env *coreipc.Envelope) (*coreipc.Envelope, error) {
				return conn.SendSync(env, cfg.SyncTimeout, 0)
			})
		})
		return callErr
	})

	for i := 0; i < callParallel; i++ {
		caller := "worker-" + strconv.Itoa(i)
		p.Go(func() error {
			return issueCalls(callCount, caller, func(env *coreipc.Envelope) (*coreipc.Envelope, error) {
				return conn.SendSyncOffLoop(env, cfg.SyncTimeout)
			})
		})
	}

	if callNotify {
		for i := 0; i < callCount; i++ {
			conn.Send(coreipc.NewEnvelope("Echo", "Notify", uint64(i), nil), 0)
		}
	}

	if err := p.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)
	cpu := cpuTime() - cpuStart

	if callNotify {
		deadline := time.Now().Add(cfg.SyncTimeout)
		for client.acks.Load() < int64(callCount) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
	}

	total := callCount * (callParallel + 1)
	fmt.Printf("%d sync calls in %v (%.0f calls/s, %v avg, %v cpu)\n",
		total, elapsed.Round(time.Millisecond),
		float64(total)/elapsed.Seconds(), elapsed/time.Duration(total), cpu.Round(time.Millisecond))
	if callNotify {
		fmt.Printf("%d/%d notifications acknowledged\n", client.acks.Load(), callCount)
	}

	snap := conn.Metrics().Snapshot()
	fmt.Printf("sent=%d received=%d failed=%d timed_out=%d stalls=%d\n",
		snap["messages_sent"], snap["messages_received"],
		snap["sync_calls_failed"], snap["sync_calls_timed_out"], snap["write_stalls"])
	return nil
}

func issueCalls(n int, caller string, call func(*coreipc.Envelope) (*coreipc.Envelope, error)) error {
	for i := 0; i < n; i++ {
		want := caller + ":" + strconv.Itoa(i)
		reply, err := call(coreipc.NewSyncEnvelope("Echo", "Call", 0, []byte(want)))
		if err != nil {
			return fmt.Errorf("%s call %d: %w", caller, i, err)
		}
		if string(reply.Payload) != want {
			return fmt.Errorf("%s call %d: reply %q, want %q", caller, i, reply.Payload, want)
		}
	}
	return nil
}
