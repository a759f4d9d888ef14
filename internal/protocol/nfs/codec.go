package nfs

import (
	"bytes"
	"fmt"
	"io"

	"github.com/marmos91/nfsclient/internal/protocol/xdr"
	xdr2 "github.com/rasky/go-xdr/xdr2"
)

// ============================================================================
// Fixed-layout structures go through go-xdr; unions and lists are walked by
// hand so that nothing recurses and large payloads land in caller buffers.
// ============================================================================

func marshal(w io.Writer, v any) error {
	_, err := xdr2.Marshal(w, v)
	return err
}

func unmarshal(r io.Reader, v any) error {
	_, err := xdr2.Unmarshal(r, v)
	return err
}

func checkName(name string) error {
	if len(name) > MaxNameLen {
		return fmt.Errorf("name too long: %d bytes", len(name))
	}
	return nil
}

// ----------------------------------------------------------------------------
// Arguments
// ----------------------------------------------------------------------------

func (a *FHArgs) EncodeXDR(w io.Writer) error { return marshal(w, a) }
func (a *FHArgs) DecodeXDR(r io.Reader) error { return unmarshal(r, a) }

func (a *SAttrArgs) EncodeXDR(w io.Writer) error { return marshal(w, a) }
func (a *SAttrArgs) DecodeXDR(r io.Reader) error { return unmarshal(r, a) }

func (a *DirOpArgs) EncodeXDR(w io.Writer) error {
	if err := checkName(a.Name); err != nil {
		return err
	}
	return marshal(w, a)
}

func (a *DirOpArgs) DecodeXDR(r io.Reader) error {
	if err := xdr.DecodeFixedOpaque(r, a.Dir[:]); err != nil {
		return fmt.Errorf("read dir handle: %w", err)
	}
	name, err := xdr.DecodeStringMax(r, MaxNameLen)
	if err != nil {
		return fmt.Errorf("read name: %w", err)
	}
	a.Name = name
	return nil
}

func (a *ReadArgs) EncodeXDR(w io.Writer) error { return marshal(w, a) }
func (a *ReadArgs) DecodeXDR(r io.Reader) error { return unmarshal(r, a) }

func (a *WriteArgs) EncodeXDR(w io.Writer) error {
	if len(a.Data) > MaxData {
		return fmt.Errorf("write payload too large: %d bytes", len(a.Data))
	}
	return marshal(w, a)
}

func (a *WriteArgs) DecodeXDR(r io.Reader) error {
	if err := xdr.DecodeFixedOpaque(r, a.File[:]); err != nil {
		return fmt.Errorf("read file handle: %w", err)
	}
	var err error
	if a.BeginOffset, err = xdr.DecodeUint32(r); err != nil {
		return err
	}
	if a.Offset, err = xdr.DecodeUint32(r); err != nil {
		return err
	}
	if a.TotalCount, err = xdr.DecodeUint32(r); err != nil {
		return err
	}
	a.Data, err = xdr.DecodeOpaqueMax(r, MaxData)
	return err
}

func (a *CreateArgs) EncodeXDR(w io.Writer) error {
	if err := checkName(a.Where.Name); err != nil {
		return err
	}
	return marshal(w, a)
}

func (a *CreateArgs) DecodeXDR(r io.Reader) error {
	if err := a.Where.DecodeXDR(r); err != nil {
		return err
	}
	return unmarshal(r, &a.Attr)
}

func (a *RenameArgs) EncodeXDR(w io.Writer) error {
	if err := checkName(a.From.Name); err != nil {
		return err
	}
	if err := checkName(a.To.Name); err != nil {
		return err
	}
	return marshal(w, a)
}

func (a *RenameArgs) DecodeXDR(r io.Reader) error {
	if err := a.From.DecodeXDR(r); err != nil {
		return err
	}
	return a.To.DecodeXDR(r)
}

func (a *LinkArgs) EncodeXDR(w io.Writer) error {
	if err := checkName(a.To.Name); err != nil {
		return err
	}
	return marshal(w, a)
}

func (a *LinkArgs) DecodeXDR(r io.Reader) error {
	if err := xdr.DecodeFixedOpaque(r, a.From[:]); err != nil {
		return err
	}
	return a.To.DecodeXDR(r)
}

func (a *SymlinkArgs) EncodeXDR(w io.Writer) error {
	if err := checkName(a.From.Name); err != nil {
		return err
	}
	if len(a.To) > MaxPathLen {
		return fmt.Errorf("link target too long: %d bytes", len(a.To))
	}
	return marshal(w, a)
}

func (a *SymlinkArgs) DecodeXDR(r io.Reader) error {
	if err := a.From.DecodeXDR(r); err != nil {
		return err
	}
	to, err := xdr.DecodeStringMax(r, MaxPathLen)
	if err != nil {
		return err
	}
	a.To = to
	return unmarshal(r, &a.Attr)
}

func (a *ReadDirArgs) EncodeXDR(w io.Writer) error { return marshal(w, a) }
func (a *ReadDirArgs) DecodeXDR(r io.Reader) error { return unmarshal(r, a) }

// ----------------------------------------------------------------------------
// Results
// ----------------------------------------------------------------------------

func (res *StatRes) DecodeXDR(r io.Reader) error {
	var err error
	res.Status, err = xdr.DecodeUint32(r)
	return err
}

func (res *StatRes) EncodeXDR(w io.Writer) error {
	return xdr.EncodeUint32(w, res.Status)
}

func (res *AttrStat) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}
	return unmarshal(r, &res.Attr)
}

func (res *AttrStat) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != NFSOK {
		return err
	}
	return marshal(w, &res.Attr)
}

func (res *DirOpRes) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}
	if err := xdr.DecodeFixedOpaque(r, res.File[:]); err != nil {
		return fmt.Errorf("read file handle: %w", err)
	}
	return unmarshal(r, &res.Attr)
}

func (res *DirOpRes) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != NFSOK {
		return err
	}
	if err := xdr.EncodeFixedOpaque(w, res.File[:]); err != nil {
		return err
	}
	return marshal(w, &res.Attr)
}

func (res *ReadLinkRes) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}
	res.Path, err = xdr.DecodeStringMax(r, MaxPathLen)
	return err
}

func (res *ReadLinkRes) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != NFSOK {
		return err
	}
	return xdr.EncodeString(w, res.Path)
}

func (res *ReadRes) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}
	if err := unmarshal(r, &res.Attr); err != nil {
		return fmt.Errorf("read attributes: %w", err)
	}
	res.Count, err = xdr.DecodeOpaqueInto(r, res.Data)
	return err
}

func (res *ReadRes) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != NFSOK {
		return err
	}
	if err := marshal(w, &res.Attr); err != nil {
		return err
	}
	return xdr.EncodeOpaque(w, res.Data[:res.Count])
}

func (res *StatFSRes) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}
	for _, p := range []*uint32{&res.TSize, &res.BSize, &res.Blocks, &res.BFree, &res.BAvail} {
		if *p, err = xdr.DecodeUint32(r); err != nil {
			return err
		}
	}
	return nil
}

func (res *StatFSRes) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != NFSOK {
		return err
	}
	for _, v := range []uint32{res.TSize, res.BSize, res.Blocks, res.BFree, res.BAvail} {
		if err := xdr.EncodeUint32(w, v); err != nil {
			return err
		}
	}
	return nil
}

// DecodeXDR walks the entry list iteratively:
//
//	struct entry { unsigned fileid; filename name; nfscookie cookie; entry *nextentry; };
//	struct readdirok { entry *entries; bool eof; };
func (res *ReadDirRes) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != NFSOK {
		return err
	}

	res.Consumed = 0
	res.Stopped = false
	res.EOF = false

	var entry DirEntry
	for {
		follows, err := xdr.DecodeBool(r)
		if err != nil {
			return fmt.Errorf("read value_follows: %w", err)
		}
		if !follows {
			break
		}
		if entry.FileID, err = xdr.DecodeUint32(r); err != nil {
			return fmt.Errorf("read fileid: %w", err)
		}
		if entry.Name, err = xdr.DecodeStringMax(r, MaxNameLen); err != nil {
			return fmt.Errorf("read name: %w", err)
		}
		if err := xdr.DecodeFixedOpaque(r, entry.Cookie[:]); err != nil {
			return fmt.Errorf("read cookie: %w", err)
		}
		if res.Visit != nil && !res.Visit(&entry) {
			// The rest of the reply is dropped; the caller resumes from
			// the cookie of the last accepted entry.
			res.Stopped = true
			return nil
		}
		res.Consumed++
	}

	res.EOF, err = xdr.DecodeBool(r)
	if err != nil {
		return fmt.Errorf("read eof: %w", err)
	}
	return nil
}

// EncodeReadDirReply encodes a successful READDIR reply (test server side).
func EncodeReadDirReply(w io.Writer, entries []DirEntry, eof bool) error {
	if err := xdr.EncodeUint32(w, NFSOK); err != nil {
		return err
	}
	for i := range entries {
		e := &entries[i]
		if err := xdr.EncodeBool(w, true); err != nil {
			return err
		}
		if err := xdr.EncodeUint32(w, e.FileID); err != nil {
			return err
		}
		if err := xdr.EncodeString(w, e.Name); err != nil {
			return err
		}
		if err := xdr.EncodeFixedOpaque(w, e.Cookie[:]); err != nil {
			return err
		}
	}
	if err := xdr.EncodeBool(w, false); err != nil {
		return err
	}
	return xdr.EncodeBool(w, eof)
}

// EntrySize returns the encoded size of one READDIR entry, including its
// value_follows discriminator.
func EntrySize(nameLen int) int {
	return 4 + 4 + xdr.Size(nameLen) + CookieSize
}

// ReadDirOverhead is the fixed part of a READDIR reply body: status, the
// terminating value_follows and eof.
const ReadDirOverhead = 4 + 4 + 4

// Encode is a convenience for tests and the server: it marshals any encoder
// into a fresh byte slice.
func Encode(v interface{ EncodeXDR(io.Writer) error }) ([]byte, error) {
	var buf bytes.Buffer
	if err := v.EncodeXDR(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
