package nfstest

import (
	"fmt"
	"strings"

	"github.com/marmos91/nfsclient/internal/protocol/nfs"
)

// Tree helpers used by tests to arrange and inspect server state directly,
// bypassing the wire.

// MkdirAll creates path and any missing parents.
func (s *Server) MkdirAll(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.fs.rootID
	n := s.fs.nodes[id]
	for _, comp := range strings.Split(strings.Trim(path, "/"), "/") {
		if comp == "" {
			continue
		}
		next, ok := s.fs.child(n, comp)
		if !ok {
			child := s.fs.alloc(nfs.NFDIR, nfs.ModeDir|0o755, 0, 0)
			if status := s.fs.link(id, n, comp, child.attr.Fileid); status != nfs.NFSOK {
				return fmt.Errorf("mkdir %s: %s", path, nfs.StatusToString(status))
			}
			next = child.attr.Fileid
		}
		id, n = next, s.fs.nodes[next]
		if n.attr.Type != nfs.NFDIR {
			return fmt.Errorf("mkdir %s: %s is not a directory", path, comp)
		}
	}
	return nil
}

// WriteFile creates or replaces a regular file.
func (s *Server) WriteFile(path string, data []byte, mode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirID, dir, name, err := s.fs.walkParent(path)
	if err != nil {
		return err
	}
	if id, ok := s.fs.child(dir, name); ok {
		n := s.fs.nodes[id]
		if n.attr.Type != nfs.NFREG {
			return fmt.Errorf("write %s: not a regular file", path)
		}
		s.fs.resize(n, 0)
		s.fs.write(n, 0, data)
		return nil
	}

	n := s.fs.alloc(nfs.NFREG, nfs.ModeReg|mode&nfs.ModePerm, 0, 0)
	s.fs.write(n, 0, data)
	if status := s.fs.link(dirID, dir, name, n.attr.Fileid); status != nfs.NFSOK {
		delete(s.fs.nodes, n.attr.Fileid)
		return fmt.Errorf("write %s: %s", path, nfs.StatusToString(status))
	}
	return nil
}

// ReadFile returns the contents of a regular file.
func (s *Server) ReadFile(path string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, n, err := s.fs.walk(path)
	if err != nil {
		return nil, err
	}
	if n.attr.Type != nfs.NFREG {
		return nil, fmt.Errorf("read %s: not a regular file", path)
	}
	return append([]byte(nil), n.data...), nil
}

// Symlink creates a symbolic link at path pointing to target.
func (s *Server) Symlink(target, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dirID, dir, name, err := s.fs.walkParent(path)
	if err != nil {
		return err
	}
	n := s.fs.alloc(nfs.NFLNK, nfs.ModeLnk|0o777, 0, 0)
	n.target = target
	n.attr.Size = uint32(len(target))
	if status := s.fs.link(dirID, dir, name, n.attr.Fileid); status != nfs.NFSOK {
		delete(s.fs.nodes, n.attr.Fileid)
		return fmt.Errorf("symlink %s: %s", path, nfs.StatusToString(status))
	}
	return nil
}

// Remove unlinks path. Directories must be empty.
func (s *Server) Remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, dir, name, err := s.fs.walkParent(path)
	if err != nil {
		return err
	}
	id, ok := s.fs.child(dir, name)
	if !ok {
		return fmt.Errorf("remove %s: no such entry", path)
	}
	if n := s.fs.nodes[id]; n.attr.Type == nfs.NFDIR {
		if count, _ := n.entries.Len(); count > 0 {
			return fmt.Errorf("remove %s: directory not empty", path)
		}
	}
	s.fs.unlink(dir, name)
	return nil
}

// Attr returns the attributes of path.
func (s *Server) Attr(path string) (nfs.FileAttr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, n, err := s.fs.walk(path)
	if err != nil {
		return nfs.FileAttr{}, err
	}
	return n.attr, nil
}

// Handle returns the file handle of path.
func (s *Server) Handle(path string) (nfs.FileHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, _, err := s.fs.walk(path)
	if err != nil {
		return nfs.FileHandle{}, err
	}
	return s.fs.handle(id), nil
}

// Chmod changes the permission bits of path.
func (s *Server) Chmod(path string, mode uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, n, err := s.fs.walk(path)
	if err != nil {
		return err
	}
	n.attr.Mode = n.attr.Mode&^nfs.ModePerm | mode&nfs.ModePerm
	n.attr.Ctime = nfs.TimeValOf(s.fs.now())
	return nil
}
