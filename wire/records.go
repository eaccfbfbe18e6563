// Package wire defines the fixed-width and length-prefixed record types
// exchanged over the client-facing connection, and their encode/decode
// logic.
//
// Every record type the server sends implements the Encodable capability
// below: each such record knows how to append itself to a buffer. Records
// carry no op tag; Encodable has no method for one.
package wire

import "github.com/quorumnet/cnxn/internal/recio"

// Encodable is implemented by every record type that can appear as the
// optional body of a request or response frame.
type Encodable interface {
	// Encode appends the record's wire form to buf and returns the result.
	Encode(buf []byte) []byte
}

// PasswordLen is the fixed size of a session password.
const PasswordLen = 16

// ConnectRequest is the first frame a client sends.
type ConnectRequest struct {
	ProtocolVersion int32
	LastZxidSeen    int64
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r ConnectRequest) Encode(buf []byte) []byte {
	w := recio.NewWriter(buf)
	w.PutInt32(r.ProtocolVersion)
	w.PutInt64(r.LastZxidSeen)
	w.PutInt32(r.Timeout)
	w.PutInt64(r.SessionID)
	w.PutBytes(r.Passwd)
	return w.Bytes()
}

// DecodeConnectRequest parses a ConnectRequest body.
func DecodeConnectRequest(body []byte) (ConnectRequest, error) {
	r := recio.NewReader(body)
	var req ConnectRequest
	var err error
	if req.ProtocolVersion, err = r.Int32(); err != nil {
		return ConnectRequest{}, err
	}
	if req.LastZxidSeen, err = r.Int64(); err != nil {
		return ConnectRequest{}, err
	}
	if req.Timeout, err = r.Int32(); err != nil {
		return ConnectRequest{}, err
	}
	if req.SessionID, err = r.Int64(); err != nil {
		return ConnectRequest{}, err
	}
	if req.Passwd, err = r.Bytes(); err != nil {
		return ConnectRequest{}, err
	}
	return req, nil
}

// ConnectResponse is the first frame the server sends back.
type ConnectResponse struct {
	ProtocolVersion int32
	Timeout         int32
	SessionID       int64
	Passwd          []byte
}

func (r ConnectResponse) Encode(buf []byte) []byte {
	w := recio.NewWriter(buf)
	w.PutInt32(r.ProtocolVersion)
	w.PutInt32(r.Timeout)
	w.PutInt64(r.SessionID)
	w.PutBytes(r.Passwd)
	return w.Bytes()
}

// RefusedConnectResponse is sent when a handshake is refused or a session
// turns out to be invalid/expired: timeout and session id are zeroed and
// the password is a PasswordLen-byte zero buffer.
func RefusedConnectResponse(protocolVersion int32) ConnectResponse {
	return ConnectResponse{
		ProtocolVersion: protocolVersion,
		Timeout:         0,
		SessionID:       0,
		Passwd:          make([]byte, PasswordLen),
	}
}

// RequestHeader prefixes every client request after the handshake.
type RequestHeader struct {
	Xid  int32
	Type int32
}

func (h RequestHeader) Encode(buf []byte) []byte {
	w := recio.NewWriter(buf)
	w.PutInt32(h.Xid)
	w.PutInt32(h.Type)
	return w.Bytes()
}

// DecodeRequestHeader parses a RequestHeader prefix and returns it along
// with the remaining (un-consumed) body bytes.
func DecodeRequestHeader(body []byte) (RequestHeader, []byte, error) {
	r := recio.NewReader(body)
	var h RequestHeader
	var err error
	if h.Xid, err = r.Int32(); err != nil {
		return RequestHeader{}, nil, err
	}
	if h.Type, err = r.Int32(); err != nil {
		return RequestHeader{}, nil, err
	}
	return h, r.Remaining(), nil
}

// ReplyHeader prefixes every server response, including notifications.
type ReplyHeader struct {
	Xid  int32
	Zxid int64
	Err  int32
}

func (h ReplyHeader) Encode(buf []byte) []byte {
	w := recio.NewWriter(buf)
	w.PutInt32(h.Xid)
	w.PutInt64(h.Zxid)
	w.PutInt32(h.Err)
	return w.Bytes()
}

// NotificationHeader is the fixed ReplyHeader shape used for
// asynchronous watch notifications.
func NotificationHeader() ReplyHeader {
	return ReplyHeader{Xid: -1, Zxid: -1, Err: 0}
}

// AuthPacket carries a single authentication attempt.
type AuthPacket struct {
	Type   int32
	Scheme string
	Auth   []byte
}

func DecodeAuthPacket(body []byte) (AuthPacket, error) {
	r := recio.NewReader(body)
	var p AuthPacket
	var err error
	if p.Type, err = r.Int32(); err != nil {
		return AuthPacket{}, err
	}
	if p.Scheme, err = r.String(); err != nil {
		return AuthPacket{}, err
	}
	if p.Auth, err = r.Bytes(); err != nil {
		return AuthPacket{}, err
	}
	return p, nil
}

// WatcherEvent is the body of a notification response.
type WatcherEvent struct {
	Type  int32
	State int32
	Path  string
}

func (e WatcherEvent) Encode(buf []byte) []byte {
	w := recio.NewWriter(buf)
	w.PutInt32(e.Type)
	w.PutInt32(e.State)
	w.PutString(e.Path)
	return w.Bytes()
}
