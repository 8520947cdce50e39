package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/stanstork/stratum-exchange/internal/filter"
	"github.com/stanstork/stratum-exchange/internal/models"
	"github.com/stanstork/stratum-exchange/internal/notification"
	"github.com/stanstork/stratum-exchange/internal/store"
)

// memRepo mirrors the conditional status writes of the real repositories.
type memRepo struct {
	mu      sync.Mutex
	jobs    map[string]models.DataJob
	history []models.DataJob

	// afterUpdate runs after every successful status write, outside the lock.
	afterUpdate func(job models.DataJob)
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: map[string]models.DataJob{}}
}

func (r *memRepo) Create(_ context.Context, job models.DataJob) (models.DataJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = job
	return job, nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*models.DataJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	return &job, nil
}

func (r *memRepo) List(_ context.Context, opts models.ListOptions) ([]models.DataJob, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.DataJob
	for _, j := range r.jobs {
		if opts.Type != nil && j.Type != *opts.Type {
			continue
		}
		if opts.Status != nil && j.Status != *opts.Status {
			continue
		}
		out = append(out, j)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	total := len(out)
	if opts.Offset < len(out) {
		out = out[opts.Offset:]
	} else {
		out = nil
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, total, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id string, status models.DataJobStatus, u models.StatusUpdate) (*models.DataJob, error) {
	r.mu.Lock()
	job, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return nil, nil
	}
	if !models.CanApply(job.Status, status, u) {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrPrecondition, job.Status, status)
	}

	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	if status == models.DataJobStatusProcessing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if u.ResetRun {
		job.Progress = 0
		job.TotalRecords = nil
		job.ProcessedRecords = 0
		job.ResultURL = nil
		job.Error = nil
		job.CompletedAt = nil
	}
	if u.Progress != nil {
		job.Progress = *u.Progress
	}
	if u.TotalRecords != nil {
		total := *u.TotalRecords
		job.TotalRecords = &total
	}
	if u.ProcessedRecords != nil {
		job.ProcessedRecords = *u.ProcessedRecords
	}
	if u.ResultURL != nil {
		url := *u.ResultURL
		job.ResultURL = &url
	}
	if u.Error != nil {
		msg := *u.Error
		job.Error = &msg
	}
	if status.Terminal() {
		job.CompletedAt = &now
	}
	r.jobs[id] = job
	r.history = append(r.history, job)
	hook := r.afterUpdate
	r.mu.Unlock()

	if hook != nil {
		hook(job)
	}
	return &job, nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
	return nil
}

func (r *memRepo) job(id string) models.DataJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[id]
}

// processedHistory lists processed_records of every processing write that
// carried a progress value.
func (r *memRepo) processedHistory() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int64
	for _, j := range r.history {
		if j.Status == models.DataJobStatusProcessing && j.Progress > 0 {
			out = append(out, j.ProcessedRecords)
		}
	}
	return out
}

type memBackend struct {
	mu       sync.Mutex
	limit    int
	data     map[string][]store.Document
	batches  []int
	seq      int
	queryErr error
	writeErr error
}

func newMemBackend(limit int) *memBackend {
	return &memBackend{limit: limit, data: map[string][]store.Document{}}
}

func (b *memBackend) Name() string    { return "memory" }
func (b *memBackend) BatchLimit() int { return b.limit }

func (b *memBackend) seed(collection string, docs ...store.Document) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[collection] = append(b.data[collection], docs...)
}

func (b *memBackend) Query(_ context.Context, collection string, preds []filter.Predicate) ([]store.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queryErr != nil {
		return nil, b.queryErr
	}
	var out []store.Document
	for _, doc := range b.data[collection] {
		match := true
		for _, p := range preds {
			if p.Operator != filter.OpEqual {
				return nil, store.ErrUnsupportedOperator
			}
			if doc.Fields[p.Field] != p.Value {
				match = false
			}
		}
		if match {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (b *memBackend) WriteBatch(_ context.Context, collection string, records []models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.writeErr != nil {
		return b.writeErr
	}
	if b.limit > 0 && len(records) > b.limit {
		return fmt.Errorf("%w: batch of %d exceeds %d", models.ErrBackend, len(records), b.limit)
	}
	b.batches = append(b.batches, len(records))
	for _, rec := range records {
		id, fields := store.SplitID(rec)
		b.upsert(collection, id, fields)
	}
	return nil
}

func (b *memBackend) upsert(collection, id string, fields models.Record) string {
	if id == "" {
		b.seq++
		id = fmt.Sprintf("gen-%d", b.seq)
	}
	docs := b.data[collection]
	for i := range docs {
		if docs[i].ID == id {
			docs[i].Fields = fields
			return id
		}
	}
	b.data[collection] = append(docs, store.Document{ID: id, Fields: fields})
	return id
}

func (b *memBackend) Get(_ context.Context, collection, id string) (*store.Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, doc := range b.data[collection] {
		if doc.ID == id {
			return &doc, nil
		}
	}
	return nil, nil
}

func (b *memBackend) Insert(_ context.Context, collection string, fields models.Record) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.upsert(collection, "", fields), nil
}

func (b *memBackend) Update(_ context.Context, collection, id string, fields models.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.upsert(collection, id, fields)
	return nil
}

func (b *memBackend) Delete(_ context.Context, collection, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	docs := b.data[collection]
	for i := range docs {
		if docs[i].ID == id {
			b.data[collection] = append(docs[:i], docs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (b *memBackend) batchSizes() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.batches...)
}

const memScheme = "mem://"

type memBlob struct {
	mu          sync.Mutex
	objects     map[string][]byte
	types       map[string]string
	meta        map[string]map[string]string
	uploadErr   error
	deleteErr   error
	deletedRefs []string
}

func newMemBlob() *memBlob {
	return &memBlob{
		objects: map[string][]byte{},
		types:   map[string]string{},
		meta:    map[string]map[string]string{},
	}
}

func (s *memBlob) put(key string, body string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = []byte(body)
	return memScheme + key
}

func (s *memBlob) Upload(_ context.Context, key string, r io.Reader, contentType string, metadata map[string]string) (string, error) {
	if s.uploadErr != nil {
		return "", s.uploadErr
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = body
	s.types[key] = contentType
	s.meta[key] = metadata
	return memScheme + key, nil
}

func (s *memBlob) Download(_ context.Context, ref string, w io.Writer) error {
	s.mu.Lock()
	body, ok := s.objects[strings.TrimPrefix(ref, memScheme)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s not found", models.ErrStorage, ref)
	}
	_, err := io.Copy(w, bytes.NewReader(body))
	return err
}

func (s *memBlob) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedRefs = append(s.deletedRefs, ref)
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, strings.TrimPrefix(ref, memScheme))
	return nil
}

func (s *memBlob) object(url string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.objects[strings.TrimPrefix(url, memScheme)])
}

func (s *memBlob) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.EventType
}

func (n *recordingNotifier) Notify(_ context.Context, evt notification.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt.Type)
	return nil
}

func (n *recordingNotifier) types() []notification.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.EventType(nil), n.events...)
}

// racingRepo holds the first two GetByID callers until both have read, so
// two runs see the same status before either writes.
type racingRepo struct {
	*memRepo
	mu      sync.Mutex
	calls   int
	readers sync.WaitGroup
}

func newRacingRepo(repo *memRepo) *racingRepo {
	r := &racingRepo{memRepo: repo}
	r.readers.Add(2)
	return r
}

func (r *racingRepo) GetByID(ctx context.Context, id string) (*models.DataJob, error) {
	job, err := r.memRepo.GetByID(ctx, id)
	r.mu.Lock()
	r.calls++
	n := r.calls
	r.mu.Unlock()
	if n <= 2 {
		r.readers.Done()
		r.readers.Wait()
	}
	return job, err
}
