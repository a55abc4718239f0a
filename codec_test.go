package coreipc

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestCodec_AsyncRoundTrip(t *testing.T) {
	sent := NewEnvelope("WebPage", "LoadURL", 7, []byte("https://example.com"))
	sent.Flags |= FlagDispatchWhileWaiting

	frame, err := encodeEnvelope(sent)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}

	if got.Receiver != "WebPage" || got.Message != "LoadURL" {
		t.Errorf("name: got %s, want WebPage/LoadURL", got)
	}
	if got.Destination != 7 {
		t.Errorf("Destination: got %d, want 7", got.Destination)
	}
	if got.IsSync() {
		t.Error("async envelope decoded as sync")
	}
	if !got.ShouldDispatchWhileWaiting() {
		t.Error("dispatch-while-waiting flag lost")
	}
	if !bytes.Equal(got.Payload, sent.Payload) {
		t.Errorf("Payload: got %q, want %q", got.Payload, sent.Payload)
	}
}

func TestCodec_SyncRoundTrip(t *testing.T) {
	sent := NewSyncEnvelope("WebPage", "RunJavaScriptAlert", 3, []byte("hi"))
	sent.SyncRequestID = 1<<40 + 5

	frame, err := encodeEnvelope(sent)
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}

	if !got.IsSync() {
		t.Fatal("sync flag lost")
	}
	if got.SyncRequestID != sent.SyncRequestID {
		t.Errorf("SyncRequestID: got %d, want %d", got.SyncRequestID, sent.SyncRequestID)
	}
	if string(got.Payload) != "hi" {
		t.Errorf("Payload: got %q, want hi", got.Payload)
	}
}

func TestCodec_SyncReplyRecognised(t *testing.T) {
	frame, err := encodeEnvelope(newSyncReplyEnvelope(42, nil))
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if !got.IsSyncReply() {
		t.Fatalf("got %s, want sync reply", got)
	}
	if got.Destination != 42 {
		t.Errorf("Destination: got %d, want 42", got.Destination)
	}
	if got.Payload != nil {
		t.Errorf("Payload: got %q, want nil", got.Payload)
	}
}

func TestCodec_EmptyNames(t *testing.T) {
	frame, err := encodeEnvelope(NewEnvelope("", "", 0, nil))
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}
	if len(frame) != minHeaderSize {
		t.Fatalf("frame size: got %d, want %d", len(frame), minHeaderSize)
	}
	got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}
	if got.Receiver != "" || got.Message != "" {
		t.Errorf("got %s, want empty names", got)
	}
}

func TestCodec_Truncated(t *testing.T) {
	frame, err := encodeEnvelope(NewSyncEnvelope("Receiver", "Message", 1, nil))
	if err != nil {
		t.Fatalf("encodeEnvelope: %v", err)
	}

	// Every strict prefix is missing part of the header.
	for n := 0; n < len(frame); n++ {
		if _, err := decodeEnvelope(frame[:n]); !errors.Is(err, ErrMalformedHeader) {
			t.Fatalf("prefix %d: got %v, want ErrMalformedHeader", n, err)
		}
	}
}

func TestCodec_UnknownFlags(t *testing.T) {
	frame, _ := encodeEnvelope(NewEnvelope("R", "M", 0, nil))
	frame[0] = 0x80

	if _, err := decodeEnvelope(frame); !errors.Is(err, ErrMalformedHeader) {
		t.Fatalf("got %v, want ErrMalformedHeader", err)
	}
}

func TestCodec_NameTooLong(t *testing.T) {
	env := NewEnvelope(strings.Repeat("r", 1<<16), "M", 0, nil)
	if _, err := encodeEnvelope(env); !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("got %v, want ErrNameTooLong", err)
	}
}

func TestCodec_PayloadAliasesFrame(t *testing.T) {
	frame, _ := encodeEnvelope(NewEnvelope("R", "M", 0, []byte("abc")))
	got, err := decodeEnvelope(frame)
	if err != nil {
		t.Fatalf("decodeEnvelope: %v", err)
	}

	frame[len(frame)-1] = 'z'
	if string(got.Payload) != "abz" {
		t.Errorf("Payload: got %q, want abz", got.Payload)
	}

	// Appending to the payload must not scribble past the frame.
	if cap(got.Payload) != len(got.Payload) {
		t.Errorf("cap(Payload) = %d, want %d", cap(got.Payload), len(got.Payload))
	}
}

func TestCodec_NamesInterned(t *testing.T) {
	f1, _ := encodeEnvelope(NewEnvelope("Receiver", "Message", 0, nil))
	f2, _ := encodeEnvelope(NewEnvelope("Receiver", "Message", 0, nil))

	e1, _ := decodeEnvelope(f1)
	e2, _ := decodeEnvelope(f2)

	if keyOf(e1) != keyOf(e2) {
		t.Fatalf("keys differ: %+v vs %+v", keyOf(e1), keyOf(e2))
	}
}
