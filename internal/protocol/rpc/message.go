package rpc

// RPCCallMessage represents an RPC call (request) message.
//
// Wire Format (XDR encoding):
//   - XID:        4 bytes (transaction identifier)
//   - MsgType:    4 bytes (must be 0 for CALL)
//   - RPCVersion: 4 bytes (must be 2)
//   - Program:    4 bytes (program number)
//   - Version:    4 bytes (program version)
//   - Procedure:  4 bytes (procedure number within program)
//   - Cred:       variable (authentication credentials)
//   - Verf:       variable (authentication verifier)
//   - [procedure-specific parameters follow]
//
// The XID is always the first word, which lets the transaction engine patch
// it in place before every (re)transmission.
type RPCCallMessage struct {
	XID        uint32
	MsgType    uint32
	RPCVersion uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Cred       OpaqueAuth
	Verf       OpaqueAuth
}

// RPCReplyMessage is the header of an accepted reply. Only used by the
// test server to build replies; clients parse replies with ParseReply since
// the reply body is a discriminated union.
type RPCReplyMessage struct {
	XID        uint32
	MsgType    uint32 // 1 = REPLY
	ReplyState uint32 // 0 = MSG_ACCEPTED
	Verf       OpaqueAuth
	AcceptStat uint32 // 0 = SUCCESS
	// Reply data follows
}

// OpaqueAuth is an authentication credential or verifier.
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte `xdr:"opaque"`
}

// GetAuthFlavor returns the credential flavor of the call.
func (c *RPCCallMessage) GetAuthFlavor() uint32 {
	return c.Cred.Flavor
}

// GetAuthBody returns the raw credential body of the call.
func (c *RPCCallMessage) GetAuthBody() []byte {
	return c.Cred.Body
}

// Reply is the parsed header of an RPC reply datagram.
type Reply struct {
	XID uint32

	// ReplyState is RPCMsgAccepted or RPCMsgDenied.
	ReplyState uint32

	// AcceptStat is valid when ReplyState == RPCMsgAccepted.
	AcceptStat uint32

	// RejectStat is valid when ReplyState == RPCMsgDenied.
	RejectStat uint32

	// AuthStat is valid when RejectStat == RPCAuthError.
	AuthStat uint32

	// MismatchLow/High carry the supported range for PROG_MISMATCH and
	// RPC_MISMATCH.
	MismatchLow  uint32
	MismatchHigh uint32

	// Offset is the position of the procedure results inside the datagram.
	// Only meaningful for an accepted, successful reply.
	Offset int
}

// Success reports whether the procedure results follow the header.
func (r *Reply) Success() bool {
	return r.ReplyState == RPCMsgAccepted && r.AcceptStat == RPCSuccess
}
