package rpc

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marmos91/nfsclient/internal/protocol/xdr"
)

// maxMachineName is the RFC 5531 limit on the AUTH_UNIX machine name.
const maxMachineName = 255

// maxGIDs is the RFC 5531 limit on supplementary groups.
const maxGIDs = 16

// UnixAuth is the AUTH_UNIX (AUTH_SYS) credential body.
//
//	struct authsys_parms {
//	    unsigned int stamp;
//	    string machinename<255>;
//	    unsigned int uid;
//	    unsigned int gid;
//	    unsigned int gids<16>;
//	};
type UnixAuth struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// Encode marshals the credential body.
func (a *UnixAuth) Encode() ([]byte, error) {
	if len(a.MachineName) > maxMachineName {
		return nil, fmt.Errorf("machine name too long: %d bytes", len(a.MachineName))
	}
	if len(a.GIDs) > maxGIDs {
		return nil, fmt.Errorf("too many supplementary groups: %d", len(a.GIDs))
	}

	var buf bytes.Buffer
	if err := xdr.EncodeUint32(&buf, a.Stamp); err != nil {
		return nil, err
	}
	if err := xdr.EncodeString(&buf, a.MachineName); err != nil {
		return nil, err
	}
	if err := xdr.EncodeUint32(&buf, a.UID); err != nil {
		return nil, err
	}
	if err := xdr.EncodeUint32(&buf, a.GID); err != nil {
		return nil, err
	}
	if err := xdr.EncodeUint32(&buf, uint32(len(a.GIDs))); err != nil {
		return nil, err
	}
	for _, gid := range a.GIDs {
		if err := xdr.EncodeUint32(&buf, gid); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseUnixAuth decodes an AUTH_UNIX credential body.
func ParseUnixAuth(body []byte) (*UnixAuth, error) {
	r := bytes.NewReader(body)
	auth := &UnixAuth{}

	var err error
	if auth.Stamp, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read stamp: %w", err)
	}
	if auth.MachineName, err = xdr.DecodeStringMax(r, maxMachineName); err != nil {
		return nil, fmt.Errorf("read machine name: %w", err)
	}
	if auth.UID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read uid: %w", err)
	}
	if auth.GID, err = xdr.DecodeUint32(r); err != nil {
		return nil, fmt.Errorf("read gid: %w", err)
	}
	n, err := xdr.DecodeUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read gid count: %w", err)
	}
	if n > maxGIDs {
		return nil, fmt.Errorf("too many supplementary groups: %d", n)
	}
	auth.GIDs = make([]uint32, n)
	for i := range auth.GIDs {
		if auth.GIDs[i], err = xdr.DecodeUint32(r); err != nil {
			return nil, fmt.Errorf("read gid %d: %w", i, err)
		}
	}
	return auth, nil
}

// EncodeOpaqueAuth writes an opaque_auth (flavor + body).
func EncodeOpaqueAuth(w io.Writer, auth OpaqueAuth) error {
	if len(auth.Body) > MaxAuthBytes {
		return fmt.Errorf("auth body too long: %d bytes", len(auth.Body))
	}
	if err := xdr.EncodeUint32(w, auth.Flavor); err != nil {
		return err
	}
	return xdr.EncodeOpaque(w, auth.Body)
}

// DecodeOpaqueAuth reads an opaque_auth.
func DecodeOpaqueAuth(r io.Reader) (OpaqueAuth, error) {
	var auth OpaqueAuth
	var err error
	if auth.Flavor, err = xdr.DecodeUint32(r); err != nil {
		return auth, fmt.Errorf("read flavor: %w", err)
	}
	if auth.Body, err = xdr.DecodeOpaqueMax(r, MaxAuthBytes); err != nil {
		return auth, fmt.Errorf("read body: %w", err)
	}
	return auth, nil
}
