package rpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/nfsclient/internal/protocol/xdr"
	xdr2 "github.com/rasky/go-xdr/xdr2"
)

// ============================================================================
// Client side
// ============================================================================

// EncodeCall writes a call header. The XID comes first so that callers can
// later rewrite it with PutXID without re-encoding anything else.
func EncodeCall(w io.Writer, call *RPCCallMessage) error {
	call.MsgType = RPCCall
	call.RPCVersion = RPCVersion

	for _, v := range []uint32{call.XID, call.MsgType, call.RPCVersion, call.Program, call.Version, call.Procedure} {
		if err := xdr.EncodeUint32(w, v); err != nil {
			return fmt.Errorf("write call header: %w", err)
		}
	}
	if err := EncodeOpaqueAuth(w, call.Cred); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := EncodeOpaqueAuth(w, call.Verf); err != nil {
		return fmt.Errorf("write verifier: %w", err)
	}
	return nil
}

// PutXID rewrites the XID of an encoded message in place.
func PutXID(message []byte, xid uint32) {
	binary.BigEndian.PutUint32(message[0:4], xid)
}

// PeekXID returns the XID of an encoded message without parsing the rest.
func PeekXID(message []byte) (uint32, bool) {
	if len(message) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(message[0:4]), true
}

// ParseReply decodes the header of a reply datagram.
//
//	struct rpc_msg { xid; REPLY; reply_body }
//	union reply_body switch (reply_stat) {
//	    case MSG_ACCEPTED: accepted_reply { opaque_auth verf; accept_stat; ... }
//	    case MSG_DENIED:   rejected_reply { reject_stat; ... }
//	}
//
// A reply that is not well formed is returned as an error; a well formed
// reply carrying a failure status is returned with a nil error and the
// status fields set.
func ParseReply(data []byte) (*Reply, error) {
	r := bytes.NewReader(data)
	reply := &Reply{}

	var err error
	if reply.XID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read xid: %w", err)
	}
	msgType, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read msg type: %w", err)
	}
	if msgType != RPCReply {
		return nil, fmt.Errorf("expected REPLY (1), got %d", msgType)
	}
	if reply.ReplyState, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read reply state: %w", err)
	}

	switch reply.ReplyState {
	case RPCMsgAccepted:
		if _, err := DecodeOpaqueAuth(r); err != nil {
			return nil, fmt.Errorf("read verifier: %w", err)
		}
		if reply.AcceptStat, err = xdr.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read accept stat: %w", err)
		}
		if reply.AcceptStat == RPCProgMismatch {
			if reply.MismatchLow, err = xdr.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read mismatch low: %w", err)
			}
			if reply.MismatchHigh, err = xdr.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read mismatch high: %w", err)
			}
		}

	case RPCMsgDenied:
		if reply.RejectStat, err = xdr.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read reject stat: %w", err)
		}
		switch reply.RejectStat {
		case RPCMismatch:
			if reply.MismatchLow, err = xdr.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read mismatch low: %w", err)
			}
			if reply.MismatchHigh, err = xdr.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read mismatch high: %w", err)
			}
		case RPCAuthError:
			if reply.AuthStat, err = xdr.DecodeUint32(r); err != nil {
				return nil, fmt.Errorf("read auth stat: %w", err)
			}
		default:
			return nil, fmt.Errorf("invalid reject stat %d", reply.RejectStat)
		}

	default:
		return nil, fmt.Errorf("invalid reply state %d", reply.ReplyState)
	}

	reply.Offset = len(data) - r.Len()
	return reply, nil
}

// ============================================================================
// Server side (datagram transport, used by the in-process test server)
// ============================================================================

// ReadCall parses the call header of a datagram.
func ReadCall(data []byte) (*RPCCallMessage, error) {
	call := &RPCCallMessage{}

	_, err := xdr2.Unmarshal(bytes.NewReader(data), call)
	if err != nil {
		return nil, fmt.Errorf("unmarshal RPC call: %w", err)
	}

	if call.MsgType != RPCCall {
		return nil, fmt.Errorf("expected CALL (0), got %d", call.MsgType)
	}

	return call, nil
}

// ReadData returns the procedure arguments that follow the call header.
func ReadData(message []byte, call *RPCCallMessage) ([]byte, error) {
	// XID, MsgType, RPCVersion, Program, Version, Procedure
	offset := 24

	for _, auth := range []OpaqueAuth{call.Cred, call.Verf} {
		bodyLen := uint32(len(auth.Body))
		offset += 4 + 4 + int(bodyLen) + int(xdr.Padding(bodyLen))
	}

	if offset > len(message) {
		return nil, fmt.Errorf("call header overruns message (%d > %d)", offset, len(message))
	}

	return message[offset:], nil
}

// MakeSuccessReply builds an accepted, successful reply datagram.
func MakeSuccessReply(xid uint32, data []byte) ([]byte, error) {
	reply := RPCReplyMessage{
		XID:        xid,
		MsgType:    RPCReply,
		ReplyState: RPCMsgAccepted,
		Verf: OpaqueAuth{
			Flavor: AuthNull,
			Body:   []byte{},
		},
		AcceptStat: RPCSuccess,
	}

	// xid + msg type + reply state + verf (8) + accept stat
	replyHeaderSize := 24
	buf := bytes.NewBuffer(make([]byte, 0, replyHeaderSize+len(data)))

	if _, err := xdr2.Marshal(buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal reply: %w", err)
	}

	buf.Write(data)
	return buf.Bytes(), nil
}

// MakeErrorReply builds an accepted reply with a failure accept status.
// PROG_MISMATCH replies should be built with MakeProgMismatchReply.
func MakeErrorReply(xid uint32, acceptStat uint32) ([]byte, error) {
	reply := RPCReplyMessage{
		XID:        xid,
		MsgType:    RPCReply,
		ReplyState: RPCMsgAccepted,
		Verf: OpaqueAuth{
			Flavor: AuthNull,
			Body:   []byte{},
		},
		AcceptStat: acceptStat,
	}

	var buf bytes.Buffer
	if _, err := xdr2.Marshal(&buf, &reply); err != nil {
		return nil, fmt.Errorf("marshal error reply: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeProgMismatchReply builds a PROG_MISMATCH reply advertising the
// supported version range.
func MakeProgMismatchReply(xid, low, high uint32) ([]byte, error) {
	reply, err := MakeErrorReply(xid, RPCProgMismatch)
	if err != nil {
		return nil, err
	}
	buf := bytes.NewBuffer(reply)
	_ = xdr.EncodeUint32(buf, low)
	_ = xdr.EncodeUint32(buf, high)
	return buf.Bytes(), nil
}

// MakeDeniedReply builds a MSG_DENIED reply carrying an auth error.
func MakeDeniedReply(xid uint32, authStat uint32) []byte {
	var buf bytes.Buffer
	for _, v := range []uint32{xid, RPCReply, RPCMsgDenied, RPCAuthError, authStat} {
		_ = xdr.EncodeUint32(&buf, v)
	}
	return buf.Bytes()
}
