package s3mirror

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		mu   sync.Mutex
		got  *http.Request
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		got, body = r, string(b)
		mu.Unlock()
	}))
	defer srv.Close()

	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "logs", AccessKey: "AK", SecretKey: "SK", Region: "eu-1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }

	p := filepath.Join(t.TempDir(), "events-2026-03-01-09.jsonl.zst")
	if err := os.WriteFile(p, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.PutFile(context.Background(), "/trustgate/events/a b.zst", p); err != nil {
		t.Fatalf("put: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got.Method != http.MethodPut || got.URL.Path != "/logs/trustgate/events/a b.zst" {
		t.Fatalf("method=%s path=%s", got.Method, got.URL.Path)
	}
	if body != "payload" {
		t.Fatalf("body=%q", body)
	}
	auth := got.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "AWS4-HMAC-SHA256 Credential=AK/20260301/eu-1/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature=") {
		t.Fatalf("authorization=%q", auth)
	}
	if got.Header.Get("x-amz-date") != "20260301T100000Z" {
		t.Fatalf("x-amz-date=%q", got.Header.Get("x-amz-date"))
	}
	if got.Header.Get("x-amz-content-sha256") != sha256Hex([]byte("payload")) {
		t.Fatalf("payload hash mismatch")
	}
}

func TestClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "AccessDenied", http.StatusForbidden)
	}))
	defer srv.Close()
	c, err := NewClient(ClientConfig{Endpoint: srv.URL, Bucket: "b", AccessKey: "a", SecretKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	p := filepath.Join(t.TempDir(), "f")
	_ = os.WriteFile(p, []byte("x"), 0o644)
	err = c.PutFile(context.Background(), "f", p)
	if err == nil || !strings.Contains(err.Error(), "status 403") || !strings.Contains(err.Error(), "AccessDenied") {
		t.Fatalf("err=%v", err)
	}
}

func TestNewClient_Validates(t *testing.T) {
	if _, err := NewClient(ClientConfig{Endpoint: "r2.example.com", Bucket: "b"}); err == nil {
		t.Fatalf("missing credentials should fail")
	}
	c, err := NewClient(ClientConfig{Endpoint: "r2.example.com/", Bucket: "b", AccessKey: "a", SecretKey: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if c.endpoint != "https://r2.example.com" || c.region != "auto" {
		t.Fatalf("endpoint=%s region=%s", c.endpoint, c.region)
	}
}

func TestNormalizeObjectKey(t *testing.T) {
	for in, want := range map[string]string{
		"a/b":         "a/b",
		"/a//b/":      "a/b",
		`a\b`:         "a/b",
		"../../etc/x": "etc/x",
		"  ":          "",
		"/":           "",
	} {
		if got := normalizeObjectKey(in); got != want {
			t.Fatalf("normalizeObjectKey(%q)=%q want %q", in, got, want)
		}
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	fails int
	keys  []string
}

func (f *fakeUploader) PutFile(ctx context.Context, key, localPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("transient")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsWithPrefixAndRetries(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "events", "events-2026-03-01-09.jsonl.zst")
	_ = os.MkdirAll(filepath.Dir(p), 0o755)
	_ = os.WriteFile(p, []byte("x"), 0o644)

	up := &fakeUploader{fails: 2}
	var results []error
	var mu sync.Mutex
	m := NewMirror(up, Options{
		DataDir: dir,
		Prefix:  "/node-a/",
		Backoff: time.Millisecond,
		OnResult: func(key string, err error) {
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		},
	})
	m.Enqueue(p)
	m.Enqueue(filepath.Join(t.TempDir(), "elsewhere.zst"))
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if len(up.keys) != 1 || up.keys[0] != "node-a/events/events-2026-03-01-09.jsonl.zst" {
		t.Fatalf("keys=%v", up.keys)
	}
	st := m.Stats()
	if st.Enqueued != 2 || st.Uploaded != 1 || st.Failed != 1 || st.Dropped != 0 {
		t.Fatalf("stats=%+v", st)
	}
	if len(results) != 2 {
		t.Fatalf("results=%v", results)
	}
}

func TestMirror_CloseAbandonsRetries(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f")
	_ = os.WriteFile(p, []byte("x"), 0o644)

	m := NewMirror(&fakeUploader{fails: 100}, Options{DataDir: dir, Attempts: 100, Backoff: time.Hour})
	m.Enqueue(p)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close err=%v", err)
	}
	if m.Stats().Failed != 1 {
		t.Fatalf("stats=%+v", m.Stats())
	}
}

func TestMirror_EnqueueAfterCloseDrops(t *testing.T) {
	m := NewMirror(&fakeUploader{}, Options{DataDir: t.TempDir()})
	if err := m.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	m.Enqueue("late.zst")
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if st := m.Stats(); st.Dropped != 1 || st.Enqueued != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
