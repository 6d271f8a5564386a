package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
)

// RecordTag is the first line of every metadata record. Searching the chat
// for it finds the record among unrelated messages.
const RecordTag = "METADATA_STORAGE"

// Encode serializes the tree as the tag line followed by indented JSON.
func Encode(root *models.Folder) string {
	if root == nil {
		root = New()
	}
	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		// Folder contains only strings and integers; this cannot fail.
		data, _ = json.MarshalIndent(New(), "", "  ")
	}
	return RecordTag + "\n" + string(data)
}

// IsRecord reports whether text starts with the record tag line.
func IsRecord(text string) bool {
	line, _, _ := strings.Cut(text, "\n")
	return strings.TrimSpace(line) == RecordTag
}

// Decode parses a record produced by Encode. It always returns a usable tree:
// on any failure the tree is empty and the error is of kind
// errs.KindCorruptMetadata.
func Decode(text string) (*models.Folder, error) {
	root, err := decode(text)
	if err != nil {
		return New(), errs.Wrap(errs.KindCorruptMetadata, "decode metadata", err)
	}
	return root, nil
}

func decode(text string) (*models.Folder, error) {
	line, body, ok := strings.Cut(text, "\n")
	if !ok {
		return nil, fmt.Errorf("missing payload after tag line")
	}
	if strings.TrimSpace(line) != RecordTag {
		return nil, fmt.Errorf("missing %s tag", RecordTag)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &fields); err != nil {
		return nil, err
	}
	var name string
	if raw, ok := fields["name"]; !ok || json.Unmarshal(raw, &name) != nil || name == "" {
		return nil, fmt.Errorf("root name missing")
	}
	for _, key := range []string{"subfolders", "files"} {
		raw := bytes.TrimSpace(fields[key])
		if len(raw) == 0 || raw[0] != '[' {
			return nil, fmt.Errorf("%s is not an array", key)
		}
	}

	var root models.Folder
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &root); err != nil {
		return nil, err
	}
	normalize(&root)
	return &root, nil
}

// normalize drops null entries and replaces null sequences with empty ones.
// Nested folders and files whose names cannot appear in a path are dropped
// too, since no path lookup could reach them.
func normalize(f *models.Folder) {
	subs := make([]*models.Folder, 0, len(f.Subfolders))
	for _, sub := range f.Subfolders {
		if sub == nil || ValidateName(sub.Name) != nil {
			continue
		}
		normalize(sub)
		subs = append(subs, sub)
	}
	f.Subfolders = subs

	files := make([]*models.FileEntry, 0, len(f.Files))
	for _, file := range f.Files {
		if file != nil && ValidateName(file.Filename) == nil {
			files = append(files, file)
		}
	}
	f.Files = files
}
