package s3mirror

import (
	"context"
	"fmt"
	"log"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Uploader is the part of Client the mirror needs.
type Uploader interface {
	PutFile(ctx context.Context, objectKey, localPath string) error
}

type Options struct {
	// DataDir is the root that object keys are made relative to.
	DataDir string
	Prefix  string
	Workers int
	Queue   int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before dropping.
	EnqueueWait time.Duration
	Attempts    int
	Backoff     time.Duration
	// OnResult is called once per file with the upload outcome.
	OnResult func(key string, err error)
	Logger   *log.Logger
}

type Stats struct {
	Queued    int
	Enqueued  uint64
	Dropped   uint64
	Uploaded  uint64
	Failed    uint64
	LastOKAt  int64
	LastErrAt int64
}

// Mirror uploads closed log files in the background. Enqueue never blocks
// longer than EnqueueWait so it is safe to call from the log writer.
type Mirror struct {
	up   Uploader
	opts Options
	jobs chan string
	wg   sync.WaitGroup

	// mu guards sends on jobs against close.
	mu     sync.RWMutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc

	enqueued  atomic.Uint64
	dropped   atomic.Uint64
	uploaded  atomic.Uint64
	failed    atomic.Uint64
	lastOKAt  atomic.Int64
	lastErrAt atomic.Int64
}

func NewMirror(up Uploader, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{up: up, opts: opts, jobs: make(chan string, opts.Queue), ctx: ctx, cancel: cancel}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for p := range m.jobs {
				m.upload(p)
			}
		}()
	}
	return m
}

func (m *Mirror) Enqueue(localPath string) {
	if m == nil {
		return
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.dropped.Add(1)
		m.printf("mirror drop file=%s reason=closed", localPath)
		return
	}
	m.enqueued.Add(1)
	select {
	case m.jobs <- localPath:
		return
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- localPath:
	case <-t.C:
		n := m.dropped.Add(1)
		m.printf("mirror drop file=%s reason=queue_full dropped_total=%d", localPath, n)
	}
}

// Close drains the queue. Uploads still retrying when ctx ends are abandoned.
func (m *Mirror) Close(ctx context.Context) error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.jobs)
	}
	m.mu.Unlock()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Mirror) Stats() Stats {
	if m == nil {
		return Stats{}
	}
	return Stats{
		Queued:    len(m.jobs),
		Enqueued:  m.enqueued.Load(),
		Dropped:   m.dropped.Load(),
		Uploaded:  m.uploaded.Load(),
		Failed:    m.failed.Load(),
		LastOKAt:  m.lastOKAt.Load(),
		LastErrAt: m.lastErrAt.Load(),
	}
}

func (m *Mirror) upload(localPath string) {
	key, err := m.objectKey(localPath)
	if err == nil {
		err = m.putWithRetry(key, localPath)
	}
	now := time.Now().Unix()
	if err != nil {
		m.failed.Add(1)
		m.lastErrAt.Store(now)
		m.printf("mirror upload failed file=%s err=%v", localPath, err)
	} else {
		m.uploaded.Add(1)
		m.lastOKAt.Store(now)
		m.printf("mirror uploaded key=%s", key)
	}
	if m.opts.OnResult != nil {
		m.opts.OnResult(key, err)
	}
}

func (m *Mirror) putWithRetry(key, localPath string) error {
	var err error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(m.ctx, 2*time.Minute)
		err = m.up.PutFile(ctx, key, localPath)
		cancel()
		if err == nil || attempt == m.opts.Attempts {
			return err
		}
		select {
		case <-time.After(time.Duration(attempt*attempt) * m.opts.Backoff):
		case <-m.ctx.Done():
			return m.ctx.Err()
		}
	}
	return err
}

func (m *Mirror) objectKey(localPath string) (string, error) {
	base, err := filepath.Abs(m.opts.DataDir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(base, abs)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if rel == "." || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("%s is outside %s", abs, base)
	}
	if m.opts.Prefix != "" {
		rel = path.Join(m.opts.Prefix, rel)
	}
	return rel, nil
}

func (m *Mirror) printf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}
