// Package progress keeps the learner's per-course progress: the last video
// position, which videos were watched or completed, and a metadata snapshot
// of the course. The whole collection lives under one storage key and is
// rewritten on every mutation.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/example/coursecraft/services/learner/internal/store"
)

// DefaultKey is the storage key holding the serialised collection.
const DefaultKey = "coursecraft.course-progress"

var (
	ErrMissingCourseID   = errors.New("progress: course id is required")
	ErrInvalidVideoIndex = errors.New("progress: video index must not be negative")
)

// MergePolicy decides how Save combines supplied index sets with stored ones.
type MergePolicy int

const (
	// MergeReplace overwrites the stored sets with the supplied ones.
	MergeReplace MergePolicy = iota
	// MergeUnion adds the supplied indices to the stored sets.
	MergeUnion
)

// ParseMergePolicy maps a config value to a MergePolicy. Empty means replace.
func ParseMergePolicy(s string) (MergePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "replace":
		return MergeReplace, nil
	case "union":
		return MergeUnion, nil
	default:
		return MergeReplace, fmt.Errorf("unknown merge policy %q", s)
	}
}

func (p MergePolicy) String() string {
	if p == MergeUnion {
		return "union"
	}
	return "replace"
}

// Update is the input of Save.
type Update struct {
	Course     CourseMetadata
	VideoIndex int
	Completed  []int
	Watched    []int
	// VideosDetail replaces the stored detail when non-nil.
	VideosDetail []VideoDetail
}

// ChangeKind names the mutation carried by a Change.
type ChangeKind string

const (
	ChangeSaved      ChangeKind = "saved"
	ChangeRemoved    ChangeKind = "removed"
	ChangeCompleted  ChangeKind = "completed"
	ChangeWatched    ChangeKind = "watched"
	ChangeReconciled ChangeKind = "reconciled"
)

// Change describes one applied mutation. Record is the zero value for removals.
type Change struct {
	Kind       ChangeKind
	CourseID   string
	VideoIndex int
	Record     Record
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for swallowed storage errors.
func WithLogger(log *zap.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock overrides the clock that stamps LastViewedAt.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithKey sets the storage key. Defaults to DefaultKey.
func WithKey(key string) Option {
	return func(s *Store) { s.key = key }
}

// WithMergePolicy selects how Save combines supplied and stored index sets.
func WithMergePolicy(p MergePolicy) Option {
	return func(s *Store) { s.policy = p }
}

// Store is safe for concurrent use. Mutations hold the lock across the
// storage write, so writes for the same course apply in call order.
type Store struct {
	storage store.Storage
	key     string
	log     *zap.Logger
	now     func() time.Time
	policy  MergePolicy

	mu      sync.RWMutex
	records map[string]*Record
	order   []string

	obsMu     sync.Mutex
	observers map[int]func(Change)
	nextObs   int
}

// New returns an empty Store over storage. Call Load to read persisted records.
func New(storage store.Storage, opts ...Option) *Store {
	s := &Store{
		storage:   storage,
		key:       DefaultKey,
		log:       zap.NewNop(),
		now:       time.Now,
		records:   make(map[string]*Record),
		observers: make(map[int]func(Change)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load replaces the in-memory collection with the persisted one. Absent or
// unreadable data yields an empty collection; the failure is only logged.
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*Record)
	s.order = s.order[:0]

	raw, err := s.storage.Get(ctx, s.key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("progress: read failed, starting empty", zap.String("key", s.key), zap.Error(err))
		}
		return
	}
	var recs []Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		s.log.Warn("progress: stored data is corrupt, starting empty", zap.String("key", s.key), zap.Error(err))
		return
	}
	for i := range recs {
		rec := recs[i]
		rec.CourseID = strings.TrimSpace(rec.CourseID)
		if rec.CourseID == "" {
			s.log.Warn("progress: dropping stored record without course id")
			continue
		}
		if _, dup := s.records[rec.CourseID]; !dup {
			s.order = append(s.order, rec.CourseID)
		}
		s.records[rec.CourseID] = &rec
	}
	s.log.Debug("progress: loaded", zap.Int("courses", len(s.records)))
}

// Save creates or updates the record for u.Course.CourseID. Metadata is
// overlaid onto the stored snapshot; position, index sets and video detail
// follow the merge policy; LastViewedAt is stamped with the current time.
// The collection is persisted before Save returns.
func (s *Store) Save(ctx context.Context, u Update) (Record, error) {
	courseID := strings.TrimSpace(u.Course.CourseID)
	if courseID == "" {
		return Record{}, ErrMissingCourseID
	}
	if u.VideoIndex < 0 {
		return Record{}, ErrInvalidVideoIndex
	}
	u.Course.CourseID = courseID
	completed := NewIndexSet(u.Completed...)
	watched := NewIndexSet(u.Watched...)

	s.mu.Lock()
	rec, ok := s.records[courseID]
	if !ok {
		rec = &Record{CourseID: courseID, Course: u.Course}
		s.records[courseID] = rec
		s.order = append(s.order, courseID)
	} else {
		rec.Course = rec.Course.overlay(u.Course)
	}
	if ok && s.policy == MergeUnion {
		completed = rec.CompletedVideoIndices.Union(completed)
		watched = rec.WatchedVideoIndices.Union(watched)
	}
	rec.LastVideoIndex = u.VideoIndex
	rec.CompletedVideoIndices = completed
	rec.WatchedVideoIndices = watched
	if u.VideosDetail != nil {
		rec.VideosDetail = append([]VideoDetail{}, u.VideosDetail...)
	}
	rec.LastViewedAt = s.now().UTC()
	out := rec.clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeSaved, CourseID: courseID, VideoIndex: u.VideoIndex, Record: out})
	return out, nil
}

// Get returns a copy of the record for courseID.
func (s *Store) Get(courseID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.TrimSpace(courseID)]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// List returns every record, most recently viewed first.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, id := range s.order {
		out = append(out, s.records[id].clone())
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastViewedAt.After(out[j].LastViewedAt)
	})
	return out
}

// Len reports the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Remove deletes the record for courseID. When the collection becomes empty
// the storage key itself is removed. Removing an unknown course is a no-op.
func (s *Store) Remove(ctx context.Context, courseID string) {
	courseID = strings.TrimSpace(courseID)
	s.mu.Lock()
	if _, ok := s.records[courseID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.records, courseID)
	for i, id := range s.order {
		if id == courseID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeRemoved, CourseID: courseID})
}

// MarkVideoCompleted adds idx to the completed set. It never creates a
// record and reports whether one exists.
func (s *Store) MarkVideoCompleted(ctx context.Context, courseID string, idx int) bool {
	return s.mark(ctx, courseID, idx, ChangeCompleted)
}

// MarkVideoWatched adds idx to the watched set. It never creates a record
// and reports whether one exists.
func (s *Store) MarkVideoWatched(ctx context.Context, courseID string, idx int) bool {
	return s.mark(ctx, courseID, idx, ChangeWatched)
}

func (s *Store) mark(ctx context.Context, courseID string, idx int, kind ChangeKind) bool {
	courseID = strings.TrimSpace(courseID)
	s.mu.Lock()
	rec, ok := s.records[courseID]
	if !ok || idx < 0 {
		s.mu.Unlock()
		return ok
	}
	set := &rec.WatchedVideoIndices
	if kind == ChangeCompleted {
		set = &rec.CompletedVideoIndices
	}
	if set.Has(idx) {
		s.mu.Unlock()
		return true
	}
	*set = set.With(idx)
	out := rec.clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(Change{Kind: kind, CourseID: courseID, VideoIndex: idx, Record: out})
	return true
}

// CompletionPercentage is round(100 * |watched ∪ completed| / totalVideos),
// capped at 100. Unknown courses and courses with no videos report 0.
func (s *Store) CompletionPercentage(courseID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[strings.TrimSpace(courseID)]
	if !ok {
		return 0
	}
	return percentage(len(rec.Seen()), rec.Course.TotalVideos)
}

func percentage(seen, total int) int {
	if total <= 0 {
		return 0
	}
	pct := int(math.Round(100 * float64(seen) / float64(total)))
	if pct > 100 {
		return 100
	}
	return pct
}

// ApplyMetadata replaces the metadata of an existing record with the
// catalog's copy without touching progress fields or LastViewedAt. Zero
// fields in meta are applied as-is, so the catalog can clear a description
// or drop the video count to 0. It never creates a record and reports
// whether one exists.
func (s *Store) ApplyMetadata(ctx context.Context, meta CourseMetadata) bool {
	courseID := strings.TrimSpace(meta.CourseID)
	meta.CourseID = courseID
	s.mu.Lock()
	rec, ok := s.records[courseID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	next := meta
	if next == rec.Course {
		s.mu.Unlock()
		return true
	}
	rec.Course = next
	out := rec.clone()
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReconciled, CourseID: courseID, Record: out})
	return true
}

// Subscribe registers fn for every applied change. fn runs on the mutating
// goroutine after the store lock is released.
func (s *Store) Subscribe(fn func(Change)) (unsubscribe func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.obsMu.Lock()
			delete(s.observers, id)
			s.obsMu.Unlock()
		})
	}
}

func (s *Store) notify(ch Change) {
	s.obsMu.Lock()
	fns := make([]func(Change), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}

// persistLocked writes the collection, or removes the key when it is empty.
// Storage failures are logged, never returned. The write outlives a
// cancelled caller context.
func (s *Store) persistLocked(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if len(s.records) == 0 {
		if err := s.storage.Remove(ctx, s.key); err != nil {
			s.log.Warn("progress: remove failed", zap.String("key", s.key), zap.Error(err))
		}
		return
	}
	recs := make([]Record, 0, len(s.order))
	for _, id := range s.order {
		recs = append(recs, *s.records[id])
	}
	b, err := json.Marshal(recs)
	if err != nil {
		s.log.Warn("progress: encode failed", zap.Error(err))
		return
	}
	if err := s.storage.Set(ctx, s.key, b); err != nil {
		s.log.Warn("progress: write failed", zap.String("key", s.key), zap.Error(err))
	}
}
