package schema

import "time"

// FileInfo describes one entry of a provider filesystem.
type FileInfo struct {
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	IsDirectory bool      `json:"is_directory"`
	Size        int64     `json:"size"`
	Permissions string    `json:"permissions"`
	ModTime     time.Time `json:"mod_time"`
}

// FindOptions narrows a file search. MaxDepth < 0 means unlimited; 0 searches
// only the base directory.
type FindOptions struct {
	Pattern         string `json:"pattern"`
	MaxDepth        int    `json:"max_depth"`
	CaseInsensitive bool   `json:"case_insensitive"`
}

// FileOp names a filesystem operation accepted by the HTTP API.
type FileOp string

const (
	FileOpRead   FileOp = "read"
	FileOpWrite  FileOp = "write"
	FileOpList   FileOp = "list"
	FileOpExists FileOp = "exists"
	FileOpIsDir  FileOp = "is_dir"
	FileOpSize   FileOp = "size"
	FileOpMkdir  FileOp = "mkdir"
	FileOpDelete FileOp = "delete"
	FileOpMove   FileOp = "move"
	FileOpCopy   FileOp = "copy"
	FileOpFind   FileOp = "find"
	FileOpInfo   FileOp = "info"
)

// FileRequest is one filesystem operation against the provider of a session.
// Empty SessionID targets the current session.
type FileRequest struct {
	SessionID   SessionID   `json:"session_id,omitempty"`
	Op          FileOp      `json:"op"`
	Path        string      `json:"path"`
	Destination string      `json:"destination,omitempty"`
	Content     string      `json:"content,omitempty"`
	Append      bool        `json:"append,omitempty"`
	Parents     bool        `json:"parents,omitempty"`
	Recursive   bool        `json:"recursive,omitempty"`
	Find        FindOptions `json:"find,omitzero"`
}

// FileResponse carries the result of a FileRequest; only the fields relevant
// to the operation are set.
type FileResponse struct {
	Content string     `json:"content,omitempty"`
	Entries []FileInfo `json:"entries,omitempty"`
	Paths   []string   `json:"paths,omitempty"`
	Info    *FileInfo  `json:"info,omitempty"`
	Exists  bool       `json:"exists"`
	IsDir   bool       `json:"is_dir"`
	Size    int64      `json:"size"`
}
