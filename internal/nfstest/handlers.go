package nfstest

import (
	"bytes"
	"errors"
	"io"
	"maps"
	"slices"

	"github.com/marmos91/nfsclient/internal/logger"
	"github.com/marmos91/nfsclient/internal/protocol/mount"
	"github.com/marmos91/nfsclient/internal/protocol/nfs"
	"github.com/marmos91/nfsclient/internal/protocol/xdr"
)

var (
	errProcUnavail = errors.New("procedure unavailable")
	errGarbage     = errors.New("garbage arguments")
)

type decoder interface {
	DecodeXDR(io.Reader) error
}

type encoder interface {
	EncodeXDR(io.Writer) error
}

// handle decodes the arguments into a fresh A, runs fn and encodes its
// result. Undecodable arguments become GARBAGE_ARGS.
func handle[A any, PA interface {
	*A
	decoder
}](data []byte, fn func(*A) encoder) ([]byte, error) {
	var args A
	if err := PA(&args).DecodeXDR(bytes.NewReader(data)); err != nil {
		logger.Debug("nfstest: decode arguments: %v", err)
		return nil, errGarbage
	}
	return nfs.Encode(fn(&args))
}

// statusOnly encodes a bare nfsstat; every NFSv2 result union is void on
// error.
type statusOnly uint32

func (s statusOnly) EncodeXDR(w io.Writer) error { return xdr.EncodeUint32(w, uint32(s)) }

// ============================================================================
// NFS program
// ============================================================================

func (s *Server) handleNFS(proc uint32, data []byte) ([]byte, error) {
	if status, ok := s.faults.status[proc]; ok {
		switch proc {
		case nfs.ProcNull, nfs.ProcRoot, nfs.ProcWriteCache:
		default:
			return nfs.Encode(statusOnly(status))
		}
	}

	fs := s.fs
	switch proc {
	case nfs.ProcNull, nfs.ProcRoot, nfs.ProcWriteCache:
		return nil, nil

	case nfs.ProcGetAttr:
		return handle(data, func(a *nfs.FHArgs) encoder {
			_, n, status := fs.resolve(a.File)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			return &nfs.AttrStat{Attr: n.attr}
		})

	case nfs.ProcSetAttr:
		return handle(data, func(a *nfs.SAttrArgs) encoder {
			_, n, status := fs.resolve(a.File)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if status := fs.setAttr(n, &a.Attr); status != nfs.NFSOK {
				return statusOnly(status)
			}
			return &nfs.AttrStat{Attr: n.attr}
		})

	case nfs.ProcLookup:
		return handle(data, func(a *nfs.DirOpArgs) encoder {
			dirID, dir, status := fs.dir(a.Dir)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			id, status := fs.lookup(dirID, dir, a.Name)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			return &nfs.DirOpRes{File: fs.handle(id), Attr: fs.nodes[id].attr}
		})

	case nfs.ProcReadLink:
		return handle(data, func(a *nfs.FHArgs) encoder {
			_, n, status := fs.resolve(a.File)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if n.attr.Type != nfs.NFLNK {
				return statusOnly(nfs.NFSErrNXIO)
			}
			return &nfs.ReadLinkRes{Path: n.target}
		})

	case nfs.ProcRead:
		return handle(data, func(a *nfs.ReadArgs) encoder {
			_, n, status := fs.resolve(a.File)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if n.attr.Type == nfs.NFDIR {
				return statusOnly(nfs.NFSErrIsDir)
			}
			count := min(a.Count, nfs.MaxData)
			var chunk []byte
			if a.Offset < uint32(len(n.data)) {
				end := min(a.Offset+count, uint32(len(n.data)))
				chunk = n.data[a.Offset:end]
			}
			n.attr.Atime = nfs.TimeValOf(fs.now())
			return &nfs.ReadRes{Attr: n.attr, Data: chunk, Count: len(chunk)}
		})

	case nfs.ProcWrite:
		return handle(data, func(a *nfs.WriteArgs) encoder {
			_, n, status := fs.resolve(a.File)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if n.attr.Type == nfs.NFDIR {
				return statusOnly(nfs.NFSErrIsDir)
			}
			fs.write(n, a.Offset, a.Data)
			return &nfs.AttrStat{Attr: n.attr}
		})

	case nfs.ProcCreate:
		return handle(data, func(a *nfs.CreateArgs) encoder {
			return fs.create(a, false)
		})

	case nfs.ProcMkdir:
		return handle(data, func(a *nfs.CreateArgs) encoder {
			return fs.create(a, true)
		})

	case nfs.ProcRemove:
		return handle(data, func(a *nfs.DirOpArgs) encoder {
			return statusOnly(fs.remove(a, false))
		})

	case nfs.ProcRmdir:
		return handle(data, func(a *nfs.DirOpArgs) encoder {
			return statusOnly(fs.remove(a, true))
		})

	case nfs.ProcRename:
		return handle(data, func(a *nfs.RenameArgs) encoder {
			return statusOnly(fs.rename(a))
		})

	case nfs.ProcLink:
		return handle(data, func(a *nfs.LinkArgs) encoder {
			id, n, status := fs.resolve(a.From)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if n.attr.Type == nfs.NFDIR {
				return statusOnly(nfs.NFSErrIsDir)
			}
			dirID, dir, status := fs.dir(a.To.Dir)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if status := fs.link(dirID, dir, a.To.Name, id); status != nfs.NFSOK {
				return statusOnly(status)
			}
			n.attr.Nlink++
			n.attr.Ctime = nfs.TimeValOf(fs.now())
			return statusOnly(nfs.NFSOK)
		})

	case nfs.ProcSymlink:
		return handle(data, func(a *nfs.SymlinkArgs) encoder {
			dirID, dir, status := fs.dir(a.From.Dir)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			if _, exists := fs.child(dir, a.From.Name); exists {
				return statusOnly(nfs.NFSErrExist)
			}
			n := fs.alloc(nfs.NFLNK, nfs.ModeLnk|0o777, attrOr(a.Attr.UID, 0), attrOr(a.Attr.GID, 0))
			n.target = a.To
			n.attr.Size = uint32(len(a.To))
			if status := fs.link(dirID, dir, a.From.Name, n.attr.Fileid); status != nfs.NFSOK {
				delete(fs.nodes, n.attr.Fileid)
				return statusOnly(status)
			}
			return statusOnly(nfs.NFSOK)
		})

	case nfs.ProcReadDir:
		return handle(data, func(a *nfs.ReadDirArgs) encoder {
			dirID, dir, status := fs.dir(a.Dir)
			if status != nfs.NFSOK {
				return statusOnly(status)
			}
			return fs.readDir(dirID, dir, a)
		})

	case nfs.ProcStatFS:
		return handle(data, func(a *nfs.FHArgs) encoder {
			if _, _, status := fs.resolve(a.File); status != nfs.NFSOK {
				return statusOnly(status)
			}
			used := uint32(len(fs.nodes))
			return &nfs.StatFSRes{
				TSize:  nfs.MaxData,
				BSize:  4096,
				Blocks: 1 << 20,
				BFree:  1<<20 - used,
				BAvail: 1<<20 - used,
			}
		})

	default:
		return nil, errProcUnavail
	}
}

func attrOr(v, def uint32) uint32 {
	if v == nfs.DontChange {
		return def
	}
	return v
}

// create implements CREATE and MKDIR. CREATE honours the format bits of
// the requested mode, with the device number carried in the size field.
func (fs *memFS) create(a *nfs.CreateArgs, dir bool) encoder {
	dirID, parent, status := fs.dir(a.Where.Dir)
	if status != nfs.NFSOK {
		return statusOnly(status)
	}

	if id, exists := fs.child(parent, a.Where.Name); exists {
		n := fs.nodes[id]
		if dir || n.attr.Type != nfs.NFREG {
			return statusOnly(nfs.NFSErrExist)
		}
		// CREATE on an existing regular file truncates it as requested.
		if status := fs.setAttr(n, &a.Attr); status != nfs.NFSOK {
			return statusOnly(status)
		}
		return &nfs.DirOpRes{File: fs.handle(id), Attr: n.attr}
	}

	mode := attrOr(a.Attr.Mode, 0o644)
	kind, format := nfs.NFREG, uint32(nfs.ModeReg)
	switch {
	case dir:
		kind, format = nfs.NFDIR, nfs.ModeDir
		mode = attrOr(a.Attr.Mode, 0o755)
	case mode&nfs.ModeFmt == nfs.ModeChr:
		kind, format = nfs.NFCHR, nfs.ModeChr
	case mode&nfs.ModeFmt == nfs.ModeBlk:
		kind, format = nfs.NFBLK, nfs.ModeBlk
	case mode&nfs.ModeFmt == nfs.ModeFifo:
		kind, format = nfs.NFFIFO, nfs.ModeFifo
	case mode&nfs.ModeFmt == nfs.ModeSock:
		kind, format = nfs.NFSOCK, nfs.ModeSock
	}

	n := fs.alloc(kind, format|mode&nfs.ModePerm, attrOr(a.Attr.UID, 0), attrOr(a.Attr.GID, 0))
	switch kind {
	case nfs.NFCHR, nfs.NFBLK:
		n.attr.Rdev = attrOr(a.Attr.Size, 0)
	case nfs.NFREG:
		if size := attrOr(a.Attr.Size, 0); size > 0 {
			fs.resize(n, size)
		}
	}
	if status := fs.link(dirID, parent, a.Where.Name, n.attr.Fileid); status != nfs.NFSOK {
		delete(fs.nodes, n.attr.Fileid)
		return statusOnly(status)
	}
	return &nfs.DirOpRes{File: fs.handle(n.attr.Fileid), Attr: n.attr}
}

func (fs *memFS) remove(a *nfs.DirOpArgs, dir bool) uint32 {
	_, parent, status := fs.dir(a.Dir)
	if status != nfs.NFSOK {
		return status
	}
	if a.Name == "." || a.Name == ".." {
		return nfs.NFSErrAcces
	}
	id, ok := fs.child(parent, a.Name)
	if !ok {
		return nfs.NFSErrNoEnt
	}
	n := fs.nodes[id]
	switch {
	case dir && n.attr.Type != nfs.NFDIR:
		return nfs.NFSErrNotDir
	case !dir && n.attr.Type == nfs.NFDIR:
		return nfs.NFSErrIsDir
	case dir:
		if count, _ := n.entries.Len(); count > 0 {
			return nfs.NFSErrNotEmpty
		}
	}
	fs.unlink(parent, a.Name)
	return nfs.NFSOK
}

func (fs *memFS) rename(a *nfs.RenameArgs) uint32 {
	_, from, status := fs.dir(a.From.Dir)
	if status != nfs.NFSOK {
		return status
	}
	toID, to, status := fs.dir(a.To.Dir)
	if status != nfs.NFSOK {
		return status
	}
	id, ok := fs.child(from, a.From.Name)
	if !ok {
		return nfs.NFSErrNoEnt
	}
	moving := fs.nodes[id]

	if existing, ok := fs.child(to, a.To.Name); ok {
		if existing == id {
			return nfs.NFSOK
		}
		victim := fs.nodes[existing]
		if victim.attr.Type == nfs.NFDIR {
			if moving.attr.Type != nfs.NFDIR {
				return nfs.NFSErrIsDir
			}
			if count, _ := victim.entries.Len(); count > 0 {
				return nfs.NFSErrNotEmpty
			}
		} else if moving.attr.Type == nfs.NFDIR {
			return nfs.NFSErrNotDir
		}
		fs.unlink(to, a.To.Name)
	}

	// Detach without dropping the link count, then attach under the new
	// name.
	_, _ = from.entries.DeleteByKey(a.From.Name)
	if moving.attr.Type == nfs.NFDIR {
		from.attr.Nlink--
	}
	fs.touch(from)
	if status := fs.link(toID, to, a.To.Name, id); status != nfs.NFSOK {
		return status
	}
	moving.attr.Ctime = nfs.TimeValOf(fs.now())
	return nfs.NFSOK
}

// readDirReply encodes a READDIR reply holding a prefix of the listing.
type readDirReply struct {
	entries []nfs.DirEntry
	eof     bool
}

func (r *readDirReply) EncodeXDR(w io.Writer) error {
	return nfs.EncodeReadDirReply(w, r.entries, r.eof)
}

// readDir returns as many entries after the cookie as fit in a.Count
// bytes of reply body.
func (fs *memFS) readDir(dirID uint32, dir *memNode, a *nfs.ReadDirArgs) encoder {
	all := fs.listing(dirID, dir)

	start := 0
	if a.Cookie != (nfs.Cookie{}) {
		start = len(all)
		for i := range all {
			if all[i].Cookie == a.Cookie {
				start = i + 1
				break
			}
		}
	}

	budget := int(a.Count) - nfs.ReadDirOverhead
	end := start
	for end < len(all) {
		size := nfs.EntrySize(len(all[end].Name))
		if size > budget {
			break
		}
		budget -= size
		end++
	}
	fs.nodes[dirID].attr.Atime = nfs.TimeValOf(fs.now())
	return &readDirReply{entries: all[start:end], eof: end == len(all)}
}

// ============================================================================
// MOUNT program
// ============================================================================

func (s *Server) handleMount(proc uint32, data []byte) ([]byte, error) {
	switch proc {
	case mount.ProcNull, mount.ProcUmntAll:
		return nil, nil

	case mount.ProcMnt:
		return handle(data, func(a *mount.DirPathArgs) encoder {
			dir, ok := s.exports[a.Path]
			if !ok {
				return &mount.FHStatus{Status: mount.MountErrAccess}
			}
			id, n, err := s.fs.walk(dir)
			if err != nil {
				return &mount.FHStatus{Status: mount.MountErrNoEnt}
			}
			if n.attr.Type != nfs.NFDIR {
				return &mount.FHStatus{Status: mount.MountErrNotDir}
			}
			return &mount.FHStatus{Status: mount.MountOK, Handle: s.fs.handle(id)}
		})

	case mount.ProcUmnt:
		return handle(data, func(*mount.DirPathArgs) encoder { return mount.Void{} })

	case mount.ProcExport:
		list := &mount.ExportList{}
		for _, export := range slices.Sorted(maps.Keys(s.exports)) {
			list.Exports = append(list.Exports, mount.Export{Dir: export, Groups: []string{"*"}})
		}
		return nfs.Encode(list)

	default:
		return nil, errProcUnavail
	}
}
