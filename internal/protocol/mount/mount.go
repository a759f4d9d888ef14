package mount

import (
	"fmt"
	"io"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/xdr"
	"golang.org/x/sys/unix"
)

// DirPathArgs carries the export path (MNT, UMNT).
type DirPathArgs struct {
	Path string
}

func (a *DirPathArgs) EncodeXDR(w io.Writer) error {
	if len(a.Path) > MaxPathLen {
		return fmt.Errorf("dirpath too long: %d bytes", len(a.Path))
	}
	return xdr.EncodeString(w, a.Path)
}

func (a *DirPathArgs) DecodeXDR(r io.Reader) error {
	path, err := xdr.DecodeStringMax(r, MaxPathLen)
	if err != nil {
		return fmt.Errorf("read dirpath: %w", err)
	}
	a.Path = path
	return nil
}

// FHStatus is the MNT result.
//
//	union fhstatus switch (unsigned status) {
//	case 0: fhandle directory;
//	default: void;
//	};
type FHStatus struct {
	Status uint32
	Handle nfs.FileHandle
}

func (res *FHStatus) DecodeXDR(r io.Reader) error {
	var err error
	if res.Status, err = xdr.DecodeUint32(r); err != nil || res.Status != MountOK {
		return err
	}
	return xdr.DecodeFixedOpaque(r, res.Handle[:])
}

func (res *FHStatus) EncodeXDR(w io.Writer) error {
	if err := xdr.EncodeUint32(w, res.Status); err != nil || res.Status != MountOK {
		return err
	}
	return xdr.EncodeFixedOpaque(w, res.Handle[:])
}

// Errno maps a MOUNT v1 status onto the local errno space.
func (res *FHStatus) Errno() unix.Errno {
	if res.Status == MountOK {
		return 0
	}
	return unix.Errno(res.Status)
}

// Void is the empty argument or result.
type Void struct{}

func (Void) EncodeXDR(io.Writer) error { return nil }
func (Void) DecodeXDR(io.Reader) error { return nil }

// Export is one entry of the server's export list.
type Export struct {
	Dir    string
	Groups []string
}

// ExportList is the EXPORT result. Both the export list and each group list
// are XDR linked lists; they are walked iteratively.
type ExportList struct {
	Exports []Export
}

func (res *ExportList) DecodeXDR(r io.Reader) error {
	res.Exports = res.Exports[:0]
	for {
		follows, err := xdr.DecodeBool(r)
		if err != nil {
			return fmt.Errorf("read export follows: %w", err)
		}
		if !follows {
			return nil
		}
		var exp Export
		if exp.Dir, err = xdr.DecodeStringMax(r, MaxPathLen); err != nil {
			return fmt.Errorf("read export dir: %w", err)
		}
		for {
			more, err := xdr.DecodeBool(r)
			if err != nil {
				return fmt.Errorf("read group follows: %w", err)
			}
			if !more {
				break
			}
			group, err := xdr.DecodeStringMax(r, MaxNameLen)
			if err != nil {
				return fmt.Errorf("read group: %w", err)
			}
			exp.Groups = append(exp.Groups, group)
		}
		res.Exports = append(res.Exports, exp)
	}
}

func (res *ExportList) EncodeXDR(w io.Writer) error {
	for _, exp := range res.Exports {
		if err := xdr.EncodeBool(w, true); err != nil {
			return err
		}
		if err := xdr.EncodeString(w, exp.Dir); err != nil {
			return err
		}
		for _, g := range exp.Groups {
			if err := xdr.EncodeBool(w, true); err != nil {
				return err
			}
			if err := xdr.EncodeString(w, g); err != nil {
				return err
			}
		}
		if err := xdr.EncodeBool(w, false); err != nil {
			return err
		}
	}
	return xdr.EncodeBool(w, false)
}
