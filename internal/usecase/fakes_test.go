package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/lifecycle"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
)

type memJobStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*entity.Job
	events map[uuid.UUID][]entity.JobEvent
	// failTransition is returned by the next Transition call, once.
	failTransition error
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[uuid.UUID]*entity.Job{}, events: map[uuid.UUID][]entity.JobEvent{}}
}

var _ port.JobStore = (*memJobStore)(nil)

func (s *memJobStore) Create(_ context.Context, job *entity.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("duplicate job %s", job.ID)
	}
	s.jobs[job.ID] = job.Clone()
	s.events[job.ID] = append(s.events[job.ID], entity.JobEvent{
		ID: uuid.New(), JobID: job.ID, Type: lifecycle.AuditCreated, NewStatus: job.Status, CreatedAt: job.CreatedAt,
	})
	return nil
}

func (s *memJobStore) Transition(_ context.Context, id uuid.UUID, expected entity.JobStatus, ev lifecycle.Event, mutate lifecycle.Mutator) (*entity.Job, error) {
	if _, err := lifecycle.Next(expected, ev); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failTransition; err != nil {
		s.failTransition = nil
		return nil, err
	}
	cur, ok := s.jobs[id]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	if cur.Status != expected {
		return nil, fmt.Errorf("%w: %s", entity.ErrConflict, cur.Status)
	}
	next, err := lifecycle.Apply(cur, ev, time.Now().UTC(), mutate)
	if err != nil {
		return nil, err
	}
	old := cur.Status
	s.jobs[id] = next.Clone()
	s.events[id] = append(s.events[id], entity.JobEvent{
		ID: uuid.New(), JobID: id, Type: ev.AuditType(), OldStatus: &old, NewStatus: next.Status,
		Metadata: lifecycle.AuditMetadata(ev, next), CreatedAt: next.UpdatedAt,
	})
	return next, nil
}

func (s *memJobStore) Get(_ context.Context, id uuid.UUID) (*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, entity.ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *memJobStore) ListByOwner(_ context.Context, owner uuid.UUID, page port.Page) ([]*entity.Job, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []*entity.Job
	for _, j := range s.jobs {
		if j.OwnerID == owner {
			all = append(all, j.Clone())
		}
	}
	sort.Slice(all, func(a, b int) bool { return all[a].CreatedAt.After(all[b].CreatedAt) })
	total := len(all)
	if page.Offset >= total {
		return nil, total, nil
	}
	end := page.Offset + page.Limit
	if end > total {
		end = total
	}
	return all[page.Offset:end], total, nil
}

func (s *memJobStore) ListExpired(_ context.Context, now time.Time, limit int) ([]*entity.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*entity.Job
	for _, j := range s.jobs {
		if j.Status == entity.JobStatusDone && j.Expired(now) && len(out) < limit {
			out = append(out, j.Clone())
		}
	}
	return out, nil
}

func (s *memJobStore) Events(_ context.Context, id uuid.UUID) ([]entity.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.JobEvent(nil), s.events[id]...), nil
}

func (s *memJobStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return entity.ErrJobNotFound
	}
	delete(s.jobs, id)
	delete(s.events, id)
	return nil
}

func (s *memJobStore) Notified(_ context.Context, id uuid.UUID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[id] {
		if e.Type == lifecycle.AuditNotificationSent && e.Metadata["idempotency_key"] == key {
			return true, nil
		}
	}
	return false, nil
}

func (s *memJobStore) RecordNotification(_ context.Context, id uuid.UUID, status entity.JobStatus, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return entity.ErrJobNotFound
	}
	old := status
	s.events[id] = append(s.events[id], entity.JobEvent{
		ID: uuid.New(), JobID: id, Type: lifecycle.AuditNotificationSent, OldStatus: &old, NewStatus: status,
		Metadata: map[string]any{"idempotency_key": key}, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *memJobStore) eventTypes(id uuid.UUID) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var types []string
	for _, e := range s.events[id] {
		types = append(types, e.Type)
	}
	return types
}

// put stores job as-is, bypassing the lifecycle.
func (s *memJobStore) put(job *entity.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job.Clone()
}

type memArtifacts struct {
	mu       sync.Mutex
	objects  map[string][]byte
	storeErr error
	fetchErr error
	// fetchDelay holds Fetch until it passes or ctx is done.
	fetchDelay time.Duration
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: map[string][]byte{}}
}

var _ port.ArtifactStore = (*memArtifacts)(nil)

func (a *memArtifacts) Fetch(ctx context.Context, p string) (io.ReadCloser, error) {
	if a.fetchDelay > 0 {
		select {
		case <-time.After(a.fetchDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fetchErr != nil {
		return nil, a.fetchErr
	}
	b, ok := a.objects[p]
	if !ok {
		return nil, entity.ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *memArtifacts) Store(_ context.Context, p string, r io.Reader, _ int64, _ string) (port.ArtifactDescriptor, error) {
	if a.storeErr != nil {
		return port.ArtifactDescriptor{}, a.storeErr
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return port.ArtifactDescriptor{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[p] = b
	return port.ArtifactDescriptor{Path: p, SizeBytes: int64(len(b))}, nil
}

func (a *memArtifacts) Delete(_ context.Context, p string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.objects, p)
	return nil
}

func (a *memArtifacts) IssueDownloadGrant(_ context.Context, p string, ttl time.Duration, filename string) (*url.URL, error) {
	return &url.URL{
		Scheme:   "http",
		Host:     "files.local",
		Path:     "/bucket/" + p,
		RawQuery: url.Values{"X-Amz-Expires": {fmt.Sprint(int(ttl.Seconds()))}, "filename": {filename}}.Encode(),
	}, nil
}

func (a *memArtifacts) has(p string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.objects[p]
	return ok
}

type memPublisher struct {
	mu        sync.Mutex
	published []*entity.Envelope
	err       error
}

func (p *memPublisher) Publish(_ context.Context, env *entity.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, env)
	return nil
}

func (p *memPublisher) ofType(t entity.EventType) []*entity.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*entity.Envelope
	for _, e := range p.published {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// stubExtractor writes frames frame files, or fails with err.
type stubExtractor struct {
	frames int
	err    error
	calls  int
}

func (e *stubExtractor) ExtractFrames(_ context.Context, _ string, outputDir string) (*port.FrameExtractionResult, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}
	var paths []string
	for i := 1; i <= e.frames; i++ {
		p := filepath.Join(outputDir, fmt.Sprintf("frame_%04d.png", i))
		if err := os.WriteFile(p, []byte{byte(i)}, 0o644); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return &port.FrameExtractionResult{FramePaths: paths, FrameCount: len(paths), VideoDuration: float64(e.frames)}, nil
}

type stubZipper struct{}

func (stubZipper) CreateZip(_ context.Context, files []string, out string) (int64, error) {
	body := []byte(fmt.Sprintf("zip of %d frames", len(files)))
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return 0, err
	}
	return int64(len(body)), nil
}

type memUsers map[uuid.UUID]*entity.User

func (u memUsers) FindUser(_ context.Context, id uuid.UUID) (*entity.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, entity.ErrRecipientNotFound
}

type recordingNotifier struct {
	completed []uuid.UUID
	failed    []uuid.UUID
	err       error
}

func (n *recordingNotifier) NotifyCompleted(_ context.Context, _ *entity.User, job *entity.Job) error {
	if n.err != nil {
		return n.err
	}
	n.completed = append(n.completed, job.ID)
	return nil
}

func (n *recordingNotifier) NotifyFailed(_ context.Context, _ *entity.User, job *entity.Job) error {
	if n.err != nil {
		return n.err
	}
	n.failed = append(n.failed, job.ID)
	return nil
}

// loopSource replays resubmitted envelopes as new deliveries, so a
// queue.Consumer can drive a job through its full retry budget in-process.
type loopSource struct {
	pending [][]byte
	headers []int
	done    func()
	settled []string
}

func (s *loopSource) push(body []byte, header int) {
	s.pending = append(s.pending, body)
	s.headers = append(s.headers, header)
}

func (s *loopSource) Receive(context.Context) (queue.Delivery, error) {
	if len(s.pending) == 0 {
		s.done()
		return nil, errors.New("drained")
	}
	d := &loopDelivery{src: s, body: s.pending[0], header: s.headers[0]}
	s.pending, s.headers = s.pending[1:], s.headers[1:]
	return d, nil
}

func (s *loopSource) Resubmit(_ context.Context, env *entity.Envelope) error {
	body, err := env.Encode()
	if err != nil {
		return err
	}
	s.push(body, env.Metadata.RetryCount)
	return nil
}

type loopDelivery struct {
	src    *loopSource
	body   []byte
	header int
}

func (d *loopDelivery) Body() []byte             { return d.body }
func (d *loopDelivery) RetryHeader() (int, bool) { return d.header, d.header >= 0 }
func (d *loopDelivery) Ack() error {
	d.src.settled = append(d.src.settled, "ack")
	return nil
}

func (d *loopDelivery) Reject(requeue bool) error {
	if requeue {
		d.src.settled = append(d.src.settled, "requeue")
	} else {
		d.src.settled = append(d.src.settled, "dead-letter")
	}
	return nil
}

func bytesOf(s string) io.Reader {
	return bytes.NewReader([]byte(s))
}
