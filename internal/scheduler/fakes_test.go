package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/starred-export/internal/export"
	"github.com/JakeFAU/starred-export/internal/progress"
)

// world is the remote service shared by every fake session.
type world struct {
	mu           sync.Mutex
	gates        map[string]chan struct{}
	crawlGates   map[string]chan struct{}
	logins       []string
	access       map[string]export.AccessResult
	validCode    string
	starred      []int64
	missing      map[int64]bool
	codeRequests int
}

func newWorld() *world {
	return &world{
		gates:      make(map[string]chan struct{}),
		crawlGates: make(map[string]chan struct{}),
		access:     make(map[string]export.AccessResult),
		missing:    make(map[int64]bool),
		validCode:  "123456",
	}
}

// hold makes Login for user block until release is called.
func (w *world) hold(user string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gates[user] = make(chan struct{})
}

func (w *world) release(user string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.gates[user]; ok {
		close(g)
		delete(w.gates, user)
	}
}

// holdCrawl makes ListStarred for user block, keeping the job in crawling,
// until releaseCrawl is called.
func (w *world) holdCrawl(user string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.crawlGates[user] = make(chan struct{})
}

func (w *world) releaseCrawl(user string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if g, ok := w.crawlGates[user]; ok {
		close(g)
		delete(w.crawlGates, user)
	}
}

func (w *world) needCode(user string, kind export.VerificationKind) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.access[user] = export.AccessResult{Outcome: export.AccessVerificationRequired, Kind: kind}
}

func (w *world) loginOrder() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.logins...)
}

func (w *world) NewSession() export.Session {
	return &fakeRemote{w: w}
}

type fakeRemote struct {
	w    *world
	user string
}

func (f *fakeRemote) Login(ctx context.Context, username, _ string) (string, error) {
	f.w.mu.Lock()
	f.w.logins = append(f.w.logins, username)
	gate := f.w.gates[username]
	f.w.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	f.user = username
	return "token-" + username, nil
}

func (f *fakeRemote) ExchangeSession(context.Context, string) error { return nil }

func (f *fakeRemote) CheckAccess(context.Context) export.AccessResult {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	if res, ok := f.w.access[f.user]; ok {
		return res
	}
	return export.AccessResult{Outcome: export.AccessOK}
}

func (f *fakeRemote) RequestVerificationCode(context.Context) error {
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	f.w.codeRequests++
	return nil
}

func (f *fakeRemote) SubmitVerificationCode(_ context.Context, _ export.VerificationKind, code string) error {
	if code != f.w.validCode {
		return &export.AuthError{Stage: "verify", Reason: "invalid code"}
	}
	return nil
}

func (f *fakeRemote) FetchItem(_ context.Context, id int64) (export.Item, error) {
	f.w.mu.Lock()
	missing := f.w.missing[id]
	f.w.mu.Unlock()
	if missing {
		return export.Item{}, fmt.Errorf("pid %d: %w", id, export.ErrItemNotFound)
	}
	return export.Item{PID: id, Text: fmt.Sprintf("post %d", id), Type: export.ItemTypeText, Timestamp: 1700000000}, nil
}

func (f *fakeRemote) FetchComments(context.Context, int64, int) (export.CommentPage, error) {
	return export.CommentPage{LastPage: 1}, nil
}

func (f *fakeRemote) FetchAttachment(context.Context, int64) ([]byte, error) {
	return nil, errors.New("no attachments")
}

func (f *fakeRemote) ListStarred(ctx context.Context, _ int) (export.StarredPage, error) {
	f.w.mu.Lock()
	gate := f.w.crawlGates[f.user]
	f.w.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return export.StarredPage{}, ctx.Err()
		}
	}
	f.w.mu.Lock()
	defer f.w.mu.Unlock()
	return export.StarredPage{IDs: append([]int64(nil), f.w.starred...), LastPage: 1}, nil
}

type passLimiter struct{}

func (passLimiter) Acquire(ctx context.Context) error { return ctx.Err() }

// capturingAssembler writes a stub archive and keeps the results it saw.
type capturingAssembler struct {
	dir  string
	fail bool

	mu      sync.Mutex
	results map[string][]export.ItemResult
}

func (a *capturingAssembler) Assemble(_ context.Context, job export.Job, results []export.ItemResult) (export.Artifact, error) {
	if a.fail {
		return export.Artifact{}, &export.AssemblyError{Step: "zip", Err: errors.New("disk full")}
	}
	path := filepath.Join(a.dir, job.ID+".zip")
	if err := os.WriteFile(path, []byte("zip"), 0o600); err != nil {
		return export.Artifact{}, &export.AssemblyError{Step: "zip", Err: err}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[job.ID] = results
	return export.Artifact{Path: path, Name: job.ID + ".zip", SHA256: "sum-" + job.Owner}, nil
}

func (a *capturingAssembler) resultsFor(jobID string) []export.ItemResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.results[jobID]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

func waitStatus(t *testing.T, s *Scheduler, jobID string, want export.JobStatus) StatusView {
	t.Helper()
	var last StatusView
	require.Eventually(t, func() bool {
		v, err := s.Status(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = v
		return v.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job %s never reached %s", jobID, want)
	return last
}
