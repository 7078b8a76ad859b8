// Package fsops implements file operations on the filesystem of a terminal
// provider. Paths use forward slashes; "~" expands to the provider home and
// relative paths resolve against the session directory.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"pkt.systems/ttyx/schema"
)

// Ops runs file operations against one filesystem.
type Ops struct {
	fs   afero.Fs
	home string
	cwd  string
}

// New returns Ops over fsys. home expands "~"; cwd anchors relative paths and
// defaults to home.
func New(fsys afero.Fs, home, cwd string) *Ops {
	if home == "" {
		home = "/"
	}
	if cwd == "" {
		cwd = home
	}
	return &Ops{fs: fsys, home: home, cwd: cwd}
}

// Resolve returns the absolute, cleaned form of p.
func (o *Ops) Resolve(p string) string {
	p = strings.TrimSpace(p)
	switch {
	case p == "" || p == ".":
		return path.Clean(o.cwd)
	case p == "~":
		return path.Clean(o.home)
	case strings.HasPrefix(p, "~/"):
		return path.Join(o.home, p[2:])
	case path.IsAbs(p):
		return path.Clean(p)
	default:
		return path.Join(o.cwd, p)
	}
}

func (o *Ops) Read(p string) ([]byte, error) {
	name := o.Resolve(p)
	data, err := afero.ReadFile(o.fs, name)
	if err != nil {
		return nil, opError("read", name, err)
	}
	return data, nil
}

// Write stores data at p, creating missing parent directories.
func (o *Ops) Write(p string, data []byte, appendData bool) error {
	name := o.Resolve(p)
	if err := o.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return opError("write", name, err)
	}
	flags := os.O_WRONLY | os.O_CREATE
	if appendData {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := o.fs.OpenFile(name, flags, 0o644)
	if err != nil {
		return opError("write", name, err)
	}
	if appendData {
		// Not every backend honours O_APPEND on open.
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			_ = f.Close()
			return opError("write", name, err)
		}
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return opError("write", name, err)
	}
	if err := f.Close(); err != nil {
		return opError("write", name, err)
	}
	return nil
}

// List returns the entries of directory p sorted by name.
func (o *Ops) List(p string) ([]schema.FileInfo, error) {
	dir := o.Resolve(p)
	entries, err := afero.ReadDir(o.fs, dir)
	if err != nil {
		return nil, opError("list", dir, err)
	}
	out := make([]schema.FileInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, fileInfo(path.Join(dir, entry.Name()), entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (o *Ops) Exists(p string) (bool, error) {
	name := o.Resolve(p)
	ok, err := afero.Exists(o.fs, name)
	if err != nil {
		return false, opError("exists", name, err)
	}
	return ok, nil
}

// IsDir reports false for missing paths.
func (o *Ops) IsDir(p string) (bool, error) {
	name := o.Resolve(p)
	info, err := o.fs.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, opError("is-dir", name, err)
	}
	return info.IsDir(), nil
}

func (o *Ops) Size(p string) (int64, error) {
	name := o.Resolve(p)
	info, err := o.fs.Stat(name)
	if err != nil {
		return 0, opError("size", name, err)
	}
	return info.Size(), nil
}

// Mkdir creates directory p; with parents set, missing parents are created
// and an existing directory is not an error.
func (o *Ops) Mkdir(p string, parents bool) error {
	name := o.Resolve(p)
	var err error
	if parents {
		err = o.fs.MkdirAll(name, 0o755)
	} else {
		err = o.fs.Mkdir(name, 0o755)
	}
	if err != nil {
		return opError("mkdir", name, err)
	}
	return nil
}

// Delete removes p. Non-empty directories require recursive.
func (o *Ops) Delete(p string, recursive bool) error {
	name := o.Resolve(p)
	if name == "/" {
		return opError("delete", name, fs.ErrPermission)
	}
	info, err := o.fs.Stat(name)
	if err != nil {
		return opError("delete", name, err)
	}
	if info.IsDir() && recursive {
		err = o.fs.RemoveAll(name)
	} else {
		err = o.fs.Remove(name)
	}
	if err != nil {
		return opError("delete", name, err)
	}
	return nil
}

// Move renames src to dst. An existing directory at dst receives src.
func (o *Ops) Move(src, dst string) error {
	from, to := o.Resolve(src), o.Resolve(dst)
	if isDir, _ := afero.IsDir(o.fs, to); isDir {
		to = path.Join(to, path.Base(from))
	}
	if err := o.fs.Rename(from, to); err != nil {
		return opError("move", from, err)
	}
	return nil
}

// Copy duplicates src at dst. Directories require recursive. An existing
// directory at dst receives src.
func (o *Ops) Copy(src, dst string, recursive bool) error {
	from, to := o.Resolve(src), o.Resolve(dst)
	info, err := o.fs.Stat(from)
	if err != nil {
		return opError("copy", from, err)
	}
	if isDir, _ := afero.IsDir(o.fs, to); isDir {
		to = path.Join(to, path.Base(from))
	}
	if from == to || strings.HasPrefix(to, from+"/") {
		return opError("copy", from, fmt.Errorf("destination %s is inside the source: %w", to, fs.ErrInvalid))
	}
	if !info.IsDir() {
		return o.copyFile(from, to, info.Mode().Perm())
	}
	if !recursive {
		return opError("copy", from, fmt.Errorf("%s is a directory: %w", from, fs.ErrInvalid))
	}
	return afero.Walk(o.fs, from, func(name string, info fs.FileInfo, err error) error {
		if err != nil {
			return opError("copy", name, err)
		}
		target := path.Join(to, strings.TrimPrefix(name, from))
		if info.IsDir() {
			if err := o.fs.MkdirAll(target, info.Mode().Perm()|0o700); err != nil {
				return opError("copy", target, err)
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return o.copyFile(name, target, info.Mode().Perm())
	})
}

func (o *Ops) copyFile(from, to string, perm fs.FileMode) error {
	in, err := o.fs.Open(from)
	if err != nil {
		return opError("copy", from, err)
	}
	defer in.Close()
	if err := o.fs.MkdirAll(path.Dir(to), 0o755); err != nil {
		return opError("copy", to, err)
	}
	out, err := o.fs.OpenFile(to, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return opError("copy", to, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return opError("copy", to, err)
	}
	if err := out.Close(); err != nil {
		return opError("copy", to, err)
	}
	return nil
}

// Find returns paths under base whose names match the glob in opts.
// Unreadable directories are skipped.
func (o *Ops) Find(base string, opts schema.FindOptions) ([]string, error) {
	root := o.Resolve(base)
	pattern := opts.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if opts.CaseInsensitive {
		pattern = strings.ToLower(pattern)
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, opError("find", root, err)
	}
	var matches []string
	err := afero.Walk(o.fs, root, func(name string, info fs.FileInfo, err error) error {
		if name == root {
			return err
		}
		if err != nil {
			return nil
		}
		rel := strings.TrimPrefix(name, strings.TrimSuffix(root, "/")+"/")
		depth := strings.Count(rel, "/")
		if opts.MaxDepth >= 0 && depth > opts.MaxDepth {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		candidate := info.Name()
		if opts.CaseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		if ok, _ := path.Match(pattern, candidate); ok {
			matches = append(matches, name)
		}
		return nil
	})
	if err != nil {
		return nil, opError("find", root, err)
	}
	return matches, nil
}

func (o *Ops) Info(p string) (schema.FileInfo, error) {
	name := o.Resolve(p)
	info, err := o.fs.Stat(name)
	if err != nil {
		return schema.FileInfo{}, opError("info", name, err)
	}
	return fileInfo(name, info), nil
}

// Do dispatches req to the matching operation.
func (o *Ops) Do(req schema.FileRequest) (schema.FileResponse, error) {
	var resp schema.FileResponse
	var err error
	switch req.Op {
	case schema.FileOpRead:
		var data []byte
		data, err = o.Read(req.Path)
		resp.Content = string(data)
		resp.Size = int64(len(data))
	case schema.FileOpWrite:
		err = o.Write(req.Path, []byte(req.Content), req.Append)
	case schema.FileOpList:
		resp.Entries, err = o.List(req.Path)
	case schema.FileOpExists:
		resp.Exists, err = o.Exists(req.Path)
	case schema.FileOpIsDir:
		resp.IsDir, err = o.IsDir(req.Path)
	case schema.FileOpSize:
		resp.Size, err = o.Size(req.Path)
	case schema.FileOpMkdir:
		err = o.Mkdir(req.Path, req.Parents)
	case schema.FileOpDelete:
		err = o.Delete(req.Path, req.Recursive)
	case schema.FileOpMove:
		err = o.Move(req.Path, req.Destination)
	case schema.FileOpCopy:
		err = o.Copy(req.Path, req.Destination, req.Recursive)
	case schema.FileOpFind:
		resp.Paths, err = o.Find(req.Path, req.Find)
	case schema.FileOpInfo:
		var info schema.FileInfo
		info, err = o.Info(req.Path)
		if err == nil {
			resp.Info = &info
			resp.Exists = true
			resp.IsDir = info.IsDirectory
			resp.Size = info.Size
		}
	default:
		return resp, fmt.Errorf("%w: unknown file op %q", schema.ErrInvalidRequest, req.Op)
	}
	return resp, err
}

func fileInfo(name string, info fs.FileInfo) schema.FileInfo {
	return schema.FileInfo{
		Name:        info.Name(),
		Path:        name,
		IsDirectory: info.IsDir(),
		Size:        info.Size(),
		Permissions: info.Mode().String(),
		ModTime:     info.ModTime(),
	}
}

func opError(op, name string, err error) error {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return fmt.Errorf("fsops %s: %w", op, err)
	}
	return fmt.Errorf("fsops %s %s: %w", op, name, err)
}
