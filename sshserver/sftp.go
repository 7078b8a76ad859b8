package sshserver

import (
	"errors"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/spf13/afero"
)

// fsHandlers serves SFTP requests from an afero filesystem. Request paths are
// absolute and cleaned by the request server, so a BasePathFs keeps clients
// inside the served root.
type fsHandlers struct {
	fs afero.Fs
}

func newFSHandlers(fs afero.Fs) sftp.Handlers {
	h := &fsHandlers{fs: fs}
	return sftp.Handlers{FileGet: h, FilePut: h, FileCmd: h, FileList: h}
}

func (h *fsHandlers) Fileread(r *sftp.Request) (io.ReaderAt, error) {
	return h.fs.OpenFile(r.Filepath, os.O_RDONLY, 0)
}

func (h *fsHandlers) Filewrite(r *sftp.Request) (io.WriterAt, error) {
	return h.fs.OpenFile(r.Filepath, writeFlags(r.Pflags()), 0o644)
}

func (h *fsHandlers) OpenFile(r *sftp.Request) (sftp.WriterAtReaderAt, error) {
	return h.fs.OpenFile(r.Filepath, writeFlags(r.Pflags()), 0o644)
}

// writeFlags drops O_APPEND: WriteAt on an append-mode file fails and sftp
// clients always send explicit offsets.
func writeFlags(pf sftp.FileOpenFlags) int {
	flag := os.O_WRONLY
	if pf.Read {
		flag = os.O_RDWR
	}
	if pf.Creat {
		flag |= os.O_CREATE
	}
	if !pf.Write && !pf.Creat {
		flag |= os.O_CREATE | os.O_TRUNC
	}
	if pf.Trunc {
		flag |= os.O_TRUNC
	}
	if pf.Excl {
		flag |= os.O_EXCL
	}
	return flag
}

func (h *fsHandlers) Filecmd(r *sftp.Request) error {
	switch r.Method {
	case "Setstat":
		return h.setstat(r)
	case "Rename":
		if _, err := h.fs.Stat(r.Target); err == nil {
			return os.ErrExist
		}
		return h.fs.Rename(r.Filepath, r.Target)
	case "Rmdir", "Remove":
		return h.fs.Remove(r.Filepath)
	case "Mkdir":
		return h.fs.Mkdir(r.Filepath, 0o755)
	case "Symlink":
		linker, ok := h.fs.(afero.Linker)
		if !ok {
			return sftp.ErrSSHFxOpUnsupported
		}
		return linker.SymlinkIfPossible(r.Filepath, r.Target)
	}
	return sftp.ErrSSHFxOpUnsupported
}

// PosixRename overwrites the target, which plain Rename refuses to do.
func (h *fsHandlers) PosixRename(r *sftp.Request) error {
	return h.fs.Rename(r.Filepath, r.Target)
}

func (h *fsHandlers) setstat(r *sftp.Request) error {
	flags := r.AttrFlags()
	attrs := r.Attributes()
	if flags.Size {
		if err := h.truncate(r.Filepath, int64(attrs.Size)); err != nil {
			return err
		}
	}
	if flags.Permissions {
		if err := h.fs.Chmod(r.Filepath, attrs.FileMode().Perm()); err != nil {
			return err
		}
	}
	if flags.Acmodtime {
		if err := h.fs.Chtimes(r.Filepath, attrs.AccessTime(), attrs.ModTime()); err != nil {
			return err
		}
	}
	if flags.UidGid {
		if err := h.fs.Chown(r.Filepath, int(attrs.UID), int(attrs.GID)); err != nil && !errors.Is(err, os.ErrPermission) {
			return err
		}
	}
	return nil
}

func (h *fsHandlers) truncate(name string, size int64) error {
	f, err := h.fs.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (h *fsHandlers) Filelist(r *sftp.Request) (sftp.ListerAt, error) {
	switch r.Method {
	case "List":
		entries, err := afero.ReadDir(h.fs, r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerAt(entries), nil
	case "Stat":
		info, err := h.fs.Stat(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerAt{info}, nil
	}
	return nil, sftp.ErrSSHFxOpUnsupported
}

func (h *fsHandlers) Lstat(r *sftp.Request) (sftp.ListerAt, error) {
	if lstater, ok := h.fs.(afero.Lstater); ok {
		info, _, err := lstater.LstatIfPossible(r.Filepath)
		if err != nil {
			return nil, err
		}
		return listerAt{info}, nil
	}
	info, err := h.fs.Stat(r.Filepath)
	if err != nil {
		return nil, err
	}
	return listerAt{info}, nil
}

func (h *fsHandlers) Readlink(name string) (string, error) {
	reader, ok := h.fs.(afero.LinkReader)
	if !ok {
		return "", sftp.ErrSSHFxOpUnsupported
	}
	return reader.ReadlinkIfPossible(name)
}

// RealPath resolves client paths against the served root.
func (h *fsHandlers) RealPath(p string) (string, error) {
	if !path.IsAbs(p) {
		p = "/" + p
	}
	return path.Clean(p), nil
}

type listerAt []os.FileInfo

func (l listerAt) ListAt(ls []os.FileInfo, offset int64) (int, error) {
	if offset >= int64(len(l)) {
		return 0, io.EOF
	}
	n := copy(ls, l[offset:])
	if n < len(ls) {
		return n, io.EOF
	}
	return n, nil
}
