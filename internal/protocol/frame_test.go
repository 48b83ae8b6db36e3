package protocol

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"m":"create_series","p":[]}`)
	frame := EncodeFrame(payload)

	payloads, consumed := DecodeFrames(frame)
	if consumed != len(frame) {
		t.Fatalf("expected to consume entire frame, consumed %d of %d", consumed, len(frame))
	}
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("round trip mismatch: got %v", payloads)
	}
}

func TestDecodeFramesMultiple(t *testing.T) {
	f1 := EncodeFrame([]byte("a"))
	f2 := EncodeFrame([]byte("bb"))
	buf := append(append([]byte{}, f1...), f2...)

	payloads, consumed := DecodeFrames(buf)
	if consumed != len(buf) {
		t.Fatalf("expected full consumption, got %d of %d", consumed, len(buf))
	}
	if len(payloads) != 2 || string(payloads[0]) != "a" || string(payloads[1]) != "bb" {
		t.Fatalf("unexpected payloads: %v", payloads)
	}
}

func TestDecodeFramesIncomplete(t *testing.T) {
	full := EncodeFrame([]byte("hello world"))
	partial := full[:len(full)-3]

	payloads, consumed := DecodeFrames(partial)
	if len(payloads) != 0 {
		t.Fatalf("expected no complete frames, got %d", len(payloads))
	}
	if consumed != 0 {
		t.Fatalf("expected 0 consumed for incomplete frame, got %d", consumed)
	}
}

func TestIsHeartbeat(t *testing.T) {
	id, ok := IsHeartbeat([]byte("~h~42"))
	if !ok || id != "42" {
		t.Fatalf("expected heartbeat id 42, got %q ok=%v", id, ok)
	}

	if _, ok := IsHeartbeat([]byte(`{"m":"x"}`)); ok {
		t.Fatal("expected non-heartbeat payload to not match")
	}
}

func TestEncodeHeartbeatEchoIsVerbatim(t *testing.T) {
	echo := EncodeHeartbeatEcho("7")
	want := EncodeFrame([]byte("~h~7"))
	if !bytes.Equal(echo, want) {
		t.Fatalf("echo mismatch: got %q want %q", echo, want)
	}
}
