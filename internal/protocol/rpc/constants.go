package rpc

// RPCVersion is the only ONC RPC protocol version spoken (RFC 5531).
const RPCVersion = 2

// RPC Program Numbers
// These identify the different RPC programs the client talks to.
const (
	// ProgramPortmap is the port mapper program number (RFC 1833)
	ProgramPortmap = 100000

	// ProgramNFS is the NFS program number (RFC 1094)
	ProgramNFS = 100003

	// ProgramMount is the Mount protocol program number (RFC 1094 Appendix A)
	ProgramMount = 100005
)

// RPC Message Types
const (
	// RPCCall indicates an RPC call message
	RPCCall = 0

	// RPCReply indicates an RPC reply message
	RPCReply = 1
)

// RPC Reply States
const (
	// RPCMsgAccepted indicates the RPC call was accepted
	RPCMsgAccepted = 0

	// RPCMsgDenied indicates the RPC call was denied
	RPCMsgDenied = 1
)

// RPC Accept Status
const (
	// RPCSuccess indicates successful RPC execution
	RPCSuccess = 0

	// RPCProgUnavail indicates the program is not exported by the server
	RPCProgUnavail = 1

	// RPCProgMismatch indicates program version mismatch
	RPCProgMismatch = 2

	// RPCProcUnavail indicates the procedure is unavailable
	RPCProcUnavail = 3

	// RPCGarbageArgs indicates the server could not decode the arguments
	RPCGarbageArgs = 4

	// RPCSystemErr indicates a server-side error (e.g. memory allocation failure)
	RPCSystemErr = 5
)

// RPC Reject Status (MSG_DENIED)
const (
	// RPCMismatch indicates the RPC version is not supported
	RPCMismatch = 0

	// RPCAuthError indicates the credentials were rejected
	RPCAuthError = 1
)

// Authentication status carried by an AUTH_ERROR rejection.
const (
	AuthOK           = 0
	AuthBadCred      = 1
	AuthRejectedCred = 2
	AuthBadVerf      = 3
	AuthRejectedVerf = 4
	AuthTooWeak      = 5
)

// Authentication flavors
const (
	AuthNull  = 0
	AuthUnix  = 1
	AuthShort = 2
)

// MaxAuthBytes is the largest credential or verifier body (RFC 5531 Section 8.2).
const MaxAuthBytes = 400
