package tree

import (
	"strings"
	"testing"

	"github.com/0xdsaini/telegramdrive/pkg/errs"
	"github.com/0xdsaini/telegramdrive/pkg/models"
)

func TestCodecRoundTrip(t *testing.T) {
	withAttrs, _ := AddFile(sample(), "/Music", "song.mp3", 77, FileAttrs{Size: 1 << 20, Type: "audio/mpeg"})
	trees := map[string]*models.Folder{
		"empty":  New(),
		"sample": sample(),
		"attrs":  withAttrs,
	}
	for name, in := range trees {
		text := Encode(in)
		if !strings.HasPrefix(text, RecordTag+"\n") {
			t.Errorf("%s: Encode missing tag line", name)
		}
		out, err := Decode(text)
		if err != nil {
			t.Errorf("%s: Decode err = %v", name, err)
			continue
		}
		if !Equal(in, out) {
			t.Errorf("%s: round trip changed the tree", name)
		}
	}
}

func TestEncodeFormat(t *testing.T) {
	want := "METADATA_STORAGE\n{\n  \"name\": \"/\",\n  \"subfolders\": [],\n  \"files\": []\n}"
	if got := Encode(New()); got != want {
		t.Errorf("Encode(empty) =\n%s\nwant\n%s", got, want)
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := []struct {
		name, text string
	}{
		{"empty", ""},
		{"no newline", "METADATA_STORAGE"},
		{"wrong tag", "SOMETHING\n{\"name\":\"/\",\"subfolders\":[],\"files\":[]}"},
		{"bad json", "METADATA_STORAGE\n{not json"},
		{"missing name", "METADATA_STORAGE\n{\"subfolders\":[],\"files\":[]}"},
		{"empty name", "METADATA_STORAGE\n{\"name\":\"\",\"subfolders\":[],\"files\":[]}"},
		{"files not array", "METADATA_STORAGE\n{\"name\":\"/\",\"subfolders\":[],\"files\":{}}"},
		{"subfolders missing", "METADATA_STORAGE\n{\"name\":\"/\",\"files\":[]}"},
	}
	for _, tt := range tests {
		root, err := Decode(tt.text)
		if !errs.Is(err, errs.KindCorruptMetadata) {
			t.Errorf("%s: Decode err = %v, want corrupt metadata", tt.name, err)
		}
		if root == nil || !Equal(root, New()) {
			t.Errorf("%s: Decode should fall back to an empty tree", tt.name)
		}
	}
}

func TestDecodeLenient(t *testing.T) {
	text := "METADATA_STORAGE\n" + `{
  "name": "/",
  "subfolders": [{"name": "Docs", "subfolders": null, "files": [{"inode": "file_1", "filename": "a.txt", "message_id": "4096"}]}],
  "files": []
}`
	root, err := Decode(text)
	if err != nil {
		t.Fatal(err)
	}
	docs := FindByPath(root, "/Docs")
	if docs == nil || docs.Subfolders == nil {
		t.Fatal("nested null subfolders should decode as empty")
	}
	if f := docs.File("a.txt"); f == nil || f.RemoteRef != 4096 {
		t.Errorf("string message_id not decoded: %+v", f)
	}
}

func TestDecodeDropsUnreachableNodes(t *testing.T) {
	tests := []struct {
		name, body string
	}{
		{"empty folder name", `{"name":"/","subfolders":[{"name":"","subfolders":[],"files":[]}],"files":[]}`},
		{"slash in folder name", `{"name":"/","subfolders":[{"name":"a/b","subfolders":[],"files":[]}],"files":[]}`},
		{"dot folder", `{"name":"/","subfolders":[{"name":"..","subfolders":[],"files":[]}],"files":[]}`},
		{"empty file name", `{"name":"/","subfolders":[],"files":[{"inode":"file_1","filename":"","message_id":1}]}`},
		{"slash in file name", `{"name":"/","subfolders":[],"files":[{"inode":"file_1","filename":"x/y","message_id":1}]}`},
		{"nested bad folder", `{"name":"/","subfolders":[{"name":"Docs","subfolders":[{"name":"","subfolders":[],"files":[]}],"files":[]}],"files":[]}`},
	}
	for _, tt := range tests {
		root, err := Decode(RecordTag + "\n" + tt.body)
		if err != nil {
			t.Fatalf("%s: Decode: %v", tt.name, err)
		}
		err = Walk(root, func(p string, f *models.Folder) error {
			if got := FindByPath(root, p); got != f {
				t.Errorf("%s: folder %q not reachable by its own path", tt.name, p)
			}
			for _, file := range f.Files {
				if FindFile(root, p, file.Filename) != file {
					t.Errorf("%s: file %q in %q not reachable", tt.name, file.Filename, p)
				}
			}
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	root, err := Decode(RecordTag + "\n" + tests[len(tests)-1].body)
	if err != nil {
		t.Fatal(err)
	}
	if docs := FindByPath(root, "/Docs"); docs == nil || len(docs.Subfolders) != 0 {
		t.Errorf("valid parent should survive with the bad child dropped: %+v", docs)
	}
}

func TestIsRecord(t *testing.T) {
	if !IsRecord(Encode(New())) {
		t.Error("IsRecord(Encode(...)) = false")
	}
	if IsRecord("hello\nMETADATA_STORAGE") {
		t.Error("IsRecord should only look at the first line")
	}
}
