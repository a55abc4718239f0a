package main

import (
	"testing"
	"time"

	"github.com/ironfang-ltd/go-coreipc"
)

func newEchoPair(t *testing.T) (client *coreipc.Connection, cc *callClient, loop *coreipc.RunLoop) {
	t.Helper()
	skipRace(t)

	serverLoop := coreipc.NewRunLoop()
	serverLoop.Start()
	t.Cleanup(serverLoop.Stop)

	loop = coreipc.NewRunLoop()
	loop.Start()
	t.Cleanup(loop.Stop)

	pa, pb := coreipc.NewPipe(16)
	server := coreipc.NewConnection(coreipc.NewSyncCoordinator(serverLoop), pb, echoServer{}, coreipc.WithName("server"))
	cc = &callClient{}
	client = coreipc.NewConnection(coreipc.NewSyncCoordinator(loop), pa, cc, coreipc.WithName("client"))
	t.Cleanup(client.Invalidate)
	t.Cleanup(server.Invalidate)

	if err := server.Open(); err != nil {
		t.Fatalf("server Open: %v", err)
	}
	if err := client.Open(); err != nil {
		t.Fatalf("client Open: %v", err)
	}
	return client, cc, loop
}

func TestEchoServer_Calls(t *testing.T) {
	client, _, loop := newEchoPair(t)

	for _, message := range []string{"Call", "Slow"} {
		var reply *coreipc.Envelope
		var err error
		loop.Invoke(func() {
			reply, err = client.SendSync(coreipc.NewSyncEnvelope("Echo", message, 0, []byte("hello")), 2*time.Second, 0)
		})
		if err != nil {
			t.Fatalf("Echo/%s: %v", message, err)
		}
		if string(reply.Payload) != "hello" {
			t.Errorf("Echo/%s: got %q, want %q", message, reply.Payload, "hello")
		}
	}

	reply, err := client.SendSyncOffLoop(coreipc.NewSyncEnvelope("Echo", "Call", 0, []byte("off")), 2*time.Second)
	if err != nil {
		t.Fatalf("off-loop Echo/Call: %v", err)
	}
	if string(reply.Payload) != "off" {
		t.Errorf("off-loop Echo/Call: got %q", reply.Payload)
	}
}

func TestEchoServer_NotifyAck(t *testing.T) {
	client, cc, _ := newEchoPair(t)

	for i := 0; i < 5; i++ {
		if err := client.Send(coreipc.NewEnvelope("Echo", "Notify", uint64(i), nil), 0); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for cc.acks.Load() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("got %d acks, want 5", cc.acks.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestIssueCalls_DetectsMismatch(t *testing.T) {
	err := issueCalls(1, "x", func(env *coreipc.Envelope) (*coreipc.Envelope, error) {
		return coreipc.NewEnvelope("IPC", "SyncReply", 0, []byte("wrong")), nil
	})
	if err == nil {
		t.Fatal("expected a mismatch error")
	}
}
