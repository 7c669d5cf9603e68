package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/italolelis/sftp_sync/internal/archive"
	"github.com/italolelis/sftp_sync/internal/storage"
	"github.com/italolelis/sftp_sync/internal/storage/jsonfile"
	"github.com/italolelis/sftp_sync/internal/transfer"
	"github.com/italolelis/sftp_sync/internal/transfer/transfertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var creds = transfer.Credentials{Host: "example.test", Port: 22, User: "me", Secret: "pw"}

func noSleep(context.Context, time.Duration) error { return nil }

// fakeArchives records archive calls instead of building archives.
type fakeArchives struct {
	calls []string
	err   error
}

func (f *fakeArchives) Upload(_ context.Context, localRoot, remoteDest string) (*archive.Result, error) {
	f.calls = append(f.calls, "upload "+localRoot+" "+remoteDest)
	if f.err != nil {
		return nil, f.err
	}

	return &archive.Result{Direction: storage.Upload, Source: localRoot, Destination: remoteDest, Files: 2, ArchiveBytes: 2048}, nil
}

func (f *fakeArchives) Download(_ context.Context, remoteRoot, localDest string) (*archive.Result, error) {
	f.calls = append(f.calls, "download "+remoteRoot+" "+localDest)
	if f.err != nil {
		return nil, f.err
	}

	return &archive.Result{Direction: storage.Download, Source: remoteRoot, Destination: localDest, Files: 1, ArchiveBytes: 10}, nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(_ context.Context, content string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.messages = append(n.messages, content)

	return nil
}

type handlerFixture struct {
	server   *transfertest.Server
	archives *fakeArchives
	notifier *recordingNotifier
	handler  *TransferHandler
}

func newHandlerFixture(t *testing.T, username, password string) *handlerFixture {
	t.Helper()

	store, err := jsonfile.New(t.TempDir())
	require.NoError(t, err)

	server := transfertest.NewServer()
	session := transfer.NewSession(server, creds, store, transfer.WithSleep(noSleep))
	archives := &fakeArchives{}
	notif := &recordingNotifier{}

	test := func(ctx context.Context) error {
		return transfer.TestConnection(ctx, server, creds, transfer.WithSleep(noSleep))
	}

	return &handlerFixture{
		server:   server,
		archives: archives,
		notifier: notif,
		handler:  NewTransferHandler(username, password, session, archives, test, notif),
	}
}

func (f *handlerFixture) do(t *testing.T, target, body string) (*httptest.ResponseRecorder, TransferResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, req)

	var resp TransferResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}

	return rec, resp
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestHandleUpload_Items(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	local := filepath.Join(t.TempDir(), "photos")
	writeTree(t, local, map[string]string{"a.txt": "a", "sub/b.txt": "b"})

	body, _ := json.Marshal(UploadRequest{LocalPath: local, RemoteDir: "/srv"})
	rec, resp := f.do(t, "/transfers/upload", string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, "✅ complete: 2 files", resp.Summary)
	assert.Equal(t, []string{"✅ a.txt", "✅ sub/b.txt", "✅ complete: 2 files"}, resp.Lines)
	assert.Equal(t, []string{"/srv/photos/a.txt", "/srv/photos/sub/b.txt"}, f.server.Files("/srv"))
	assert.Equal(t, []string{"✅ complete: 2 files"}, f.notifier.messages)
}

func TestHandleUpload_Archive(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	rec, resp := f.do(t, "/transfers/upload", `{"local_path":"/data/photos/","remote_dir":"/srv","strategy":"archive"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"upload /data/photos/ /srv/photos"}, f.archives.calls)
	assert.Contains(t, resp.Summary, "uploaded 2 files from /data/photos/ to /srv/photos")
	assert.Equal(t, 0, f.server.Dials())
}

func TestHandleUpload_Validation(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "malformed", body: `{`, want: "invalid request body"},
		{name: "missing local path", body: `{"remote_dir":"/srv"}`, want: "local_path and remote_dir are required"},
		{name: "unknown strategy", body: `{"local_path":"/a","remote_dir":"/srv","strategy":"magic"}`, want: "unknown strategy magic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := f.do(t, "/transfers/upload", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}

	assert.Empty(t, f.notifier.messages)
}

func TestHandleUpload_AuthenticationFailure(t *testing.T) {
	f := newHandlerFixture(t, "", "")
	f.server.FailDial(&transfer.AuthenticationError{Operation: "dial"})

	local := filepath.Join(t.TempDir(), "photos")
	writeTree(t, local, map[string]string{"a.txt": "a"})

	body, _ := json.Marshal(UploadRequest{LocalPath: local, RemoteDir: "/srv"})
	rec, resp := f.do(t, "/transfers/upload", string(body))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.False(t, resp.OK)
	assert.Equal(t, "❌ authentication failed", resp.Summary)
	assert.Equal(t, 1, f.server.Dials())
}

func TestHandleUpload_PartialFailureIsReported(t *testing.T) {
	f := newHandlerFixture(t, "", "")
	f.server.Fail("put", "/srv/photos/b.txt", -1, &transfer.PathError{Path: "/srv/photos/b.txt", Reason: "permission denied"})

	local := filepath.Join(t.TempDir(), "photos")
	writeTree(t, local, map[string]string{"a.txt": "a", "b.txt": "b"})

	body, _ := json.Marshal(UploadRequest{LocalPath: local, RemoteDir: "/srv"})
	rec, resp := f.do(t, "/transfers/upload", string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.OK)
	assert.Equal(t, "❌ incomplete: 1 of 2 files, 1 failed", resp.Summary)
	assert.Equal(t, "✅ a.txt", resp.Lines[0])
	assert.True(t, strings.HasPrefix(resp.Lines[1], "❌ b.txt: "))
}

func TestHandleDownload_Items(t *testing.T) {
	f := newHandlerFixture(t, "", "")
	f.server.WriteFile("/srv/photos/a.txt", []byte("hello"))
	f.server.WriteFile("/srv/photos/sub/b.txt", []byte("world"))

	localDir := t.TempDir()

	body, _ := json.Marshal(DownloadRequest{RemotePath: "/srv/photos", LocalDir: localDir})
	rec, resp := f.do(t, "/transfers/download", string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)

	data, err := os.ReadFile(filepath.Join(localDir, "photos", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(data))
}

func TestHandleDownload_SkippedSubtreeIsReported(t *testing.T) {
	f := newHandlerFixture(t, "", "")
	f.server.WriteFile("/srv/photos/a.txt", []byte("hello"))
	f.server.WriteFile("/srv/photos/private/b.txt", []byte("secret"))
	f.server.Fail("list", "/srv/photos/private", -1, &transfer.PathError{Path: "/srv/photos/private", Reason: "permission denied"})

	body, _ := json.Marshal(DownloadRequest{RemotePath: "/srv/photos", LocalDir: t.TempDir()})
	rec, resp := f.do(t, "/transfers/download", string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, resp.OK)
	assert.Equal(t, []string{
		"✅ a.txt",
		"⚠️ skipped unreadable private",
		"❌ incomplete: 1 of 1 files, 0 failed, 1 skipped",
	}, resp.Lines)
	assert.Equal(t, []string{resp.Summary}, f.notifier.messages)
}

func TestHandleDownload_Archive(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	rec, resp := f.do(t, "/transfers/download", `{"remote_path":"/srv/photos","local_dir":"/tmp/in","strategy":"archive"}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"download /srv/photos " + filepath.Join("/tmp/in", "photos")}, f.archives.calls)
}

func TestHandleDownload_ArchiveFailure(t *testing.T) {
	f := newHandlerFixture(t, "", "")
	f.archives.err = &transfer.CompressionError{Archive: "/tmp/download_x.tar.gz", Stderr: "tar: nope", ExitStatus: 2}

	rec, resp := f.do(t, "/transfers/download", `{"remote_path":"/srv/photos","local_dir":"/tmp/in","strategy":"archive"}`)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, resp.OK)
	assert.True(t, strings.HasPrefix(resp.Summary, "❌ remote compression failed"))
	assert.Equal(t, []string{resp.Summary}, f.notifier.messages)
}

func TestHandleFiles(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	dir := t.TempDir()
	writeTree(t, dir, map[string]string{"one.txt": "1", "nested/two.txt": "2"})

	body, _ := json.Marshal(FilesRequest{
		LocalPaths: []string{filepath.Join(dir, "one.txt"), filepath.Join(dir, "nested", "two.txt")},
		RemoteDir:  "/inbox",
	})
	rec, resp := f.do(t, "/transfers/files", string(body))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, resp.OK)
	assert.Equal(t, []string{"/inbox/one.txt", "/inbox/two.txt"}, f.server.Files("/inbox"))
}

func TestHandleConnectionTest(t *testing.T) {
	f := newHandlerFixture(t, "", "")

	rec := httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connection/test", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.Equal(t, 0, f.server.OpenChannels())

	f.server.FailDial(&transfer.AuthenticationError{Operation: "dial"})

	rec = httptest.NewRecorder()
	f.handler.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/connection/test", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"status":"error","error":"authentication failed"}`, rec.Body.String())
}

func TestBasicAuth(t *testing.T) {
	f := newHandlerFixture(t, "admin", "secret")

	tests := []struct {
		name     string
		user     string
		password string
		setAuth  bool
		want     int
	}{
		{name: "missing", want: http.StatusUnauthorized},
		{name: "wrong password", user: "admin", password: "nope", setAuth: true, want: http.StatusUnauthorized},
		{name: "valid", user: "admin", password: "secret", setAuth: true, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/connection/test", nil)
			if tt.setAuth {
				req.SetBasicAuth(tt.user, tt.password)
			}

			rec := httptest.NewRecorder()
			f.handler.Routes().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, statusFor(&transfer.ConnectionError{Operation: "dial"}))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&transfer.PathError{Path: "a", Reason: "missing"}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
