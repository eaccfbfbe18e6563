package wire

import (
	"bytes"
	"testing"

	"github.com/quorumnet/cnxn/internal/recio"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	want := ConnectRequest{
		ProtocolVersion: 0,
		LastZxidSeen:    0x10,
		Timeout:         30000,
		SessionID:       0,
		Passwd:          make([]byte, PasswordLen),
	}
	encoded := want.Encode(nil)
	got, err := DecodeConnectRequest(encoded)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got.Passwd, want.Passwd) ||
		got.ProtocolVersion != want.ProtocolVersion ||
		got.LastZxidSeen != want.LastZxidSeen ||
		got.Timeout != want.Timeout ||
		got.SessionID != want.SessionID {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestRefusedConnectResponseIsZeroed(t *testing.T) {
	resp := RefusedConnectResponse(0)
	if resp.Timeout != 0 || resp.SessionID != 0 {
		t.Fatalf("refused response not zeroed: %+v", resp)
	}
	if len(resp.Passwd) != PasswordLen {
		t.Fatalf("passwd length = %d, want %d", len(resp.Passwd), PasswordLen)
	}
	for _, b := range resp.Passwd {
		if b != 0 {
			t.Fatalf("passwd not all zero: %v", resp.Passwd)
		}
	}
}

func TestRequestHeaderRoundTripWithTrailingBody(t *testing.T) {
	h := RequestHeader{Xid: 7, Type: 1}
	buf := h.Encode(nil)
	buf = append(buf, []byte("trailing")...)

	got, rest, err := DecodeRequestHeader(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != h {
		t.Fatalf("header mismatch: got %+v want %+v", got, h)
	}
	if string(rest) != "trailing" {
		t.Fatalf("trailing body mismatch: got %q", rest)
	}
}

func TestNotificationHeaderShape(t *testing.T) {
	h := NotificationHeader()
	if h.Xid != -1 || h.Zxid != -1 || h.Err != 0 {
		t.Fatalf("unexpected notification header: %+v", h)
	}
}

func TestAuthPacketRoundTrip(t *testing.T) {
	w := AuthPacket{Type: 0, Scheme: "digest", Auth: []byte("user:pass")}
	buf := []byte{}
	buf = append(buf, encodeAuthPacketForTest(w)...)
	got, err := DecodeAuthPacket(buf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Type != w.Type || got.Scheme != w.Scheme || !bytes.Equal(got.Auth, w.Auth) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, w)
	}
}

// encodeAuthPacketForTest mirrors DecodeAuthPacket's field order; AuthPacket
// has no Encode method since the server never emits one (it only decodes
// client-sent auth attempts).
func encodeAuthPacketForTest(p AuthPacket) []byte {
	w := recio.NewWriter(nil)
	w.PutInt32(p.Type)
	w.PutString(p.Scheme)
	w.PutBytes(p.Auth)
	return w.Bytes()
}
