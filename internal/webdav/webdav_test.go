package webdav

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/0xdsaini/telegramdrive/internal/gateway"
	"github.com/0xdsaini/telegramdrive/internal/metastore"
	"github.com/0xdsaini/telegramdrive/internal/remote"
	"github.com/0xdsaini/telegramdrive/internal/settings"
	"github.com/0xdsaini/telegramdrive/internal/storage/local"
	"github.com/0xdsaini/telegramdrive/internal/transfer"
	"github.com/0xdsaini/telegramdrive/internal/transport/loopback"
	"github.com/0xdsaini/telegramdrive/internal/vfs"
)

const chatID = -100

func newDrive(t *testing.T) *vfs.FS {
	t.Helper()
	blobs, err := local.New(local.Config{RootPath: filepath.Join(t.TempDir(), "blobs"), CreateDirs: true})
	if err != nil {
		t.Fatal(err)
	}
	rc := remote.New(loopback.New(loopback.Config{ChatID: chatID}, blobs), chatID)
	st := settings.NewMemoryStore()
	return vfs.New(
		metastore.New(rc, st, metastore.Config{}),
		transfer.New(rc, transfer.Config{UploadRate: 1000, PollInterval: time.Millisecond}),
		st,
		vfs.Options{Confirm: vfs.ConfirmFunc(func(string) bool { return true })},
	)
}

func do(t *testing.T, method, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestWebDAVRoundTrip(t *testing.T) {
	drive := newDrive(t)
	srv := httptest.NewServer(NewHandler(drive, nil, "/dav"))
	defer srv.Close()
	base := srv.URL + "/dav"

	steps := []struct {
		name   string
		method string
		path   string
		body   string
		header map[string]string
		want   int
	}{
		{"mkcol", "MKCOL", "/Docs", "", nil, http.StatusCreated},
		{"mkcol missing parent", "MKCOL", "/Nope/Sub", "", nil, http.StatusConflict},
		{"put", http.MethodPut, "/Docs/a.txt", "hello webdav", nil, http.StatusCreated},
		{"propfind", "PROPFIND", "/Docs", "", map[string]string{"Depth": "1"}, http.StatusMultiStatus},
		{"mkcol archive", "MKCOL", "/Archive", "", nil, http.StatusCreated},
		{"move", "MOVE", "/Docs/a.txt", "", map[string]string{"Destination": base + "/Archive/b.txt"}, http.StatusCreated},
		{"get moved", http.MethodGet, "/Archive/b.txt", "", nil, http.StatusOK},
		{"get old", http.MethodGet, "/Docs/a.txt", "", nil, http.StatusNotFound},
		{"delete", http.MethodDelete, "/Archive", "", nil, http.StatusNoContent},
	}
	for _, s := range steps {
		resp := do(t, s.method, base+s.path, s.body, s.header)
		if resp.StatusCode != s.want {
			t.Fatalf("%s: status = %d, want %d", s.name, resp.StatusCode, s.want)
		}
		if s.name == "get moved" {
			data, _ := io.ReadAll(resp.Body)
			if string(data) != "hello webdav" {
				t.Errorf("GET body = %q", data)
			}
			if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
				t.Errorf("Content-Type = %q", ct)
			}
		}
	}

	root, err := drive.Tree(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(root.Subfolders) != 1 || root.Subfolders[0].Name != "Docs" || len(root.Subfolders[0].Files) != 0 {
		t.Errorf("tree after session = %+v", root)
	}
}

func TestFSStatAndReaddir(t *testing.T) {
	ctx := context.Background()
	drive := newDrive(t)
	if _, err := drive.CreateFolder(ctx, "/", "Docs"); err != nil {
		t.Fatal(err)
	}
	if _, err := drive.UploadFiles(ctx, "/", []vfs.Blob{{Name: "a.txt", Data: []byte("abc")}, {Name: "b.txt", Data: []byte("de")}}); err != nil {
		t.Fatal(err)
	}
	fs := NewFS(drive)

	fi, err := fs.Stat(ctx, "/a.txt")
	if err != nil || fi.Size() != 3 || fi.IsDir() {
		t.Errorf("Stat(/a.txt) = %+v, %v", fi, err)
	}
	if _, err := fs.Stat(ctx, "/missing"); !os.IsNotExist(err) {
		t.Errorf("Stat(/missing) err = %v, want not exist", err)
	}

	f, err := fs.OpenFile(ctx, "/", os.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for {
		page, err := f.Readdir(2)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		for _, fi := range page {
			names = append(names, fi.Name())
		}
	}
	if strings.Join(names, ",") != "Docs,a.txt,b.txt" {
		t.Errorf("Readdir = %v", names)
	}
}

func TestFileSeekWithoutDownload(t *testing.T) {
	ctx := context.Background()
	drive := newDrive(t)
	if _, err := drive.UploadFiles(ctx, "/", []vfs.Blob{{Name: "a.txt", Data: []byte("0123456789")}}); err != nil {
		t.Fatal(err)
	}
	f, err := NewFS(drive).OpenFile(ctx, "/a.txt", os.O_RDONLY, 0)
	if err != nil {
		t.Fatal(err)
	}
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil || end != 10 {
		t.Fatalf("Seek(end) = %d, %v", end, err)
	}
	if f.(*File).loaded {
		t.Error("seeking to the end should not download content")
	}
	if _, err := f.Seek(-4, io.SeekEnd); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	n, err := f.Read(buf)
	if err != nil || string(buf[:n]) != "6789" {
		t.Errorf("Read = %q, %v", buf[:n], err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	auth := gateway.NewAuth("secret")
	token, _, err := auth.IssueToken("dav", 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(NewHandler(newDrive(t), auth, ""))
	defer srv.Close()

	tests := []struct {
		name string
		set  func(r *http.Request)
		want int
	}{
		{"none", func(r *http.Request) {}, http.StatusUnauthorized},
		{"basic wrong", func(r *http.Request) { r.SetBasicAuth("dav", "nope") }, http.StatusUnauthorized},
		{"basic token", func(r *http.Request) { r.SetBasicAuth("dav", token) }, http.StatusMultiStatus},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, http.StatusMultiStatus},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest("PROPFIND", srv.URL+"/", nil)
			req.Header.Set("Depth", "0")
			tt.set(req)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}
