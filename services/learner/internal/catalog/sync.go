package catalog

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/example/coursecraft/services/learner/internal/progress"
)

// ErrNoProgress is returned when syncing a course with no stored record.
var ErrNoProgress = errors.New("catalog: no stored progress for course")

// MetadataSource fetches authoritative course metadata.
type MetadataSource interface {
	CourseMetadata(ctx context.Context, courseID, accessToken string) (progress.CourseMetadata, error)
}

var _ MetadataSource = (*Client)(nil)

// Syncer refreshes the metadata snapshot of stored progress records.
type Syncer struct {
	Source MetadataSource
	Store  *progress.Store
	Log    *zap.Logger
}

// Sync fetches courseID from the catalog and replaces the stored record's
// metadata with it. Progress fields are left untouched.
func (s *Syncer) Sync(ctx context.Context, courseID, accessToken string) (progress.Record, error) {
	if _, ok := s.Store.Get(courseID); !ok {
		return progress.Record{}, ErrNoProgress
	}
	meta, err := s.Source.CourseMetadata(ctx, courseID, accessToken)
	if err != nil {
		return progress.Record{}, err
	}
	// Keyed by the requested id even if the row disagrees.
	meta.CourseID = courseID
	if !s.Store.ApplyMetadata(ctx, meta) {
		return progress.Record{}, ErrNoProgress
	}
	rec, _ := s.Store.Get(courseID)
	if s.Log != nil {
		s.Log.Debug("catalog: progress metadata synced", zap.String("course_id", courseID), zap.Int("total_videos", rec.Course.TotalVideos))
	}
	return rec, nil
}

// SyncAll syncs every stored course and returns how many were updated. A
// course the catalog no longer knows is skipped.
func (s *Syncer) SyncAll(ctx context.Context, accessToken string) (int, error) {
	n := 0
	for _, rec := range s.Store.List() {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		_, err := s.Sync(ctx, rec.CourseID, accessToken)
		switch {
		case err == nil:
			n++
		case errors.Is(err, ErrCourseNotFound), errors.Is(err, ErrNoProgress):
			continue
		default:
			return n, err
		}
	}
	return n, nil
}
