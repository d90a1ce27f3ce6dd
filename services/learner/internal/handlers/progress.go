package handlers

import (
	"errors"
	"net/http"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/example/coursecraft/internal/platform/api"
	"github.com/example/coursecraft/internal/platform/auth"
	"github.com/example/coursecraft/internal/platform/httpserver"
	"github.com/example/coursecraft/services/learner/internal/catalog"
	"github.com/example/coursecraft/services/learner/internal/progress"
)

type progressResponse struct {
	progress.Record
	CompletionPercentage int `json:"completionPercentage"`
}

type progressListResponse struct {
	Items []progressResponse `json:"items"`
}

type saveProgressRequest struct {
	Course                progress.CourseMetadata `json:"courseMetadata"`
	VideoIndex            int                     `json:"videoIndex"`
	CompletedVideoIndices []int                   `json:"completedVideoIndices"`
	WatchedVideoIndices   []int                   `json:"watchedVideoIndices"`
	VideosDetail          []progress.VideoDetail  `json:"videosDetail"`
}

type completionResponse struct {
	CourseID             string `json:"courseId"`
	CompletionPercentage int    `json:"completionPercentage"`
}

func withCompletion(ps *progress.Store, rec progress.Record) progressResponse {
	return progressResponse{Record: rec, CompletionPercentage: ps.CompletionPercentage(rec.CourseID)}
}

func ListProgress(ps *progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		recs := ps.List()
		out := progressListResponse{Items: make([]progressResponse, 0, len(recs))}
		for _, rec := range recs {
			out.Items = append(out.Items, withCompletion(ps, rec))
		}
		api.WriteJSON(w, http.StatusOK, out)
	}
}

func GetProgress(ps *progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		rec, ok := ps.Get(courseIDParam(r))
		if !ok {
			api.NotFound(w, "PROGRESS_NOT_FOUND", "No progress for course", rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, withCompletion(ps, rec))
	}
}

func PutProgress(ps *progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		courseID := courseIDParam(r)

		var req saveProgressRequest
		if !decodeJSON(w, r, rid, &req) {
			return
		}
		if req.Course.CourseID != "" && req.Course.CourseID != courseID {
			api.BadRequest(w, "VALIDATION_COURSE_ID", "Course id in body does not match path", rid, map[string]any{"courseMetadata.id": req.Course.CourseID})
			return
		}
		req.Course.CourseID = courseID

		rec, err := ps.Save(r.Context(), progress.Update{
			Course:       req.Course,
			VideoIndex:   req.VideoIndex,
			Completed:    req.CompletedVideoIndices,
			Watched:      req.WatchedVideoIndices,
			VideosDetail: req.VideosDetail,
		})
		switch {
		case errors.Is(err, progress.ErrMissingCourseID):
			api.BadRequest(w, "VALIDATION_COURSE_ID", "Course id is required", rid, nil)
			return
		case errors.Is(err, progress.ErrInvalidVideoIndex):
			api.BadRequest(w, "VALIDATION_VIDEO_INDEX", "Video index must not be negative", rid, map[string]any{"videoIndex": req.VideoIndex})
			return
		case err != nil:
			api.Internal(w, rid)
			return
		}
		api.WriteJSON(w, http.StatusOK, withCompletion(ps, rec))
	}
}

func DeleteProgress(ps *progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ps.Remove(r.Context(), courseIDParam(r))
		w.WriteHeader(http.StatusNoContent)
	}
}

// MarkVideo returns the handler for marking one video completed or watched.
func MarkVideo(ps *progress.Store, kind progress.ChangeKind) http.HandlerFunc {
	mark := ps.MarkVideoWatched
	if kind == progress.ChangeCompleted {
		mark = ps.MarkVideoCompleted
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		idx, ok := videoIndexParam(w, r, rid)
		if !ok {
			return
		}
		courseID := courseIDParam(r)
		if !mark(r.Context(), courseID, idx) {
			api.NotFound(w, "PROGRESS_NOT_FOUND", "No progress for course", rid)
			return
		}
		rec, _ := ps.Get(courseID)
		api.WriteJSON(w, http.StatusOK, withCompletion(ps, rec))
	}
}

func Completion(ps *progress.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		courseID := courseIDParam(r)
		api.WriteJSON(w, http.StatusOK, completionResponse{CourseID: courseID, CompletionPercentage: ps.CompletionPercentage(courseID)})
	}
}

// TokenSource supplies the signed-in user's access token for catalog calls.
type TokenSource interface {
	AccessToken() (string, bool)
}

// SyncProgress refreshes a record's course metadata from the catalog. A nil
// syncer means no catalog is configured.
func SyncProgress(ps *progress.Store, syncer *catalog.Syncer, tokens TokenSource, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rid := httpserver.RequestIDFromContext(r.Context())
		if syncer == nil {
			api.NotImplemented(w, "CATALOG_NOT_CONFIGURED", "Catalog is not configured", rid)
			return
		}
		var token string
		if tokens != nil {
			token, _ = tokens.AccessToken()
		}
		rec, err := syncer.Sync(r.Context(), courseIDParam(r), token)
		switch {
		case err == nil:
			api.WriteJSON(w, http.StatusOK, withCompletion(ps, rec))
		case errors.Is(err, catalog.ErrNoProgress):
			api.NotFound(w, "PROGRESS_NOT_FOUND", "No progress for course", rid)
		case errors.Is(err, catalog.ErrCourseNotFound):
			api.NotFound(w, "COURSE_NOT_FOUND", "Course not found in catalog", rid)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			api.Unavailable(w, "CATALOG_UNAVAILABLE", "Catalog temporarily unavailable", rid)
		default:
			if log != nil {
				uid, _ := auth.UserIDFromContext(r.Context())
				log.Warn("progress sync failed",
					zap.String("request_id", rid),
					zap.String("user_id", uid),
					zap.String("course_id", courseIDParam(r)),
					zap.Error(err))
			}
			api.BadGateway(w, "CATALOG_ERROR", "Catalog request failed", rid)
		}
	}
}
