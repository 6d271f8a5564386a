// Package models contains the data types shared across the drive.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// RemoteRef identifies the chat message that carries a file's content.
type RemoteRef int64

// UnmarshalJSON accepts both a JSON number and a quoted numeric string,
// since older records stored message ids as strings.
func (r *RemoteRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = 0
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("remote ref %q: %w", s, err)
		}
		*r = RemoteRef(n)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("remote ref: %w", err)
	}
	*r = RemoteRef(n)
	return nil
}

func (r RemoteRef) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// Folder is a directory in the drive tree. The root folder is named "/".
type Folder struct {
	Name       string       `json:"name"`
	Subfolders []*Folder    `json:"subfolders"`
	Files      []*FileEntry `json:"files"`
}

// MarshalJSON always emits empty sequences as [] rather than null.
func (f *Folder) MarshalJSON() ([]byte, error) {
	type plain Folder
	out := plain(*f)
	if out.Subfolders == nil {
		out.Subfolders = []*Folder{}
	}
	if out.Files == nil {
		out.Files = []*FileEntry{}
	}
	return json.Marshal(out)
}

// Subfolder returns the direct child folder with the given name.
func (f *Folder) Subfolder(name string) *Folder {
	for _, sub := range f.Subfolders {
		if sub.Name == name {
			return sub
		}
	}
	return nil
}

// File returns the file with the given name in this folder.
func (f *Folder) File(name string) *FileEntry {
	for _, file := range f.Files {
		if file.Filename == name {
			return file
		}
	}
	return nil
}

// FileEntry is a file stored as a document message in the chat.
type FileEntry struct {
	Inode     string    `json:"inode"`
	Filename  string    `json:"filename"`
	RemoteRef RemoteRef `json:"message_id"`
	Size      int64     `json:"size,omitempty"`
	Type      string    `json:"type,omitempty"`
}

// CacheEntry represents a downloaded file kept on local disk.
type CacheEntry struct {
	Key        string    `json:"key"`
	LocalPath  string    `json:"local_path"`
	Size       int64     `json:"size"`
	LastAccess time.Time `json:"last_access"`
	Pinned     bool      `json:"pinned"`
}
