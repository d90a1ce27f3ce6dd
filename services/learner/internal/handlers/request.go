package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/example/coursecraft/internal/platform/api"
)

const maxRequestBodyBytes = 1 << 20 // 1 MiB

// decodeJSON reads up to maxRequestBodyBytes from r.Body and decodes JSON into dst.
// On failure it writes a 400 response and returns false.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request, rid string, dst *T) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)).Decode(dst); err != nil {
		api.BadRequest(w, "INVALID_JSON", "Invalid JSON", rid, nil)
		return false
	}
	return true
}

func courseIDParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "courseID"))
}

// videoIndexParam parses {index}; it writes a 400 and returns false when the
// value is not a non-negative integer.
func videoIndexParam(w http.ResponseWriter, r *http.Request, rid string) (int, bool) {
	raw := chi.URLParam(r, "index")
	idx, err := strconv.Atoi(raw)
	if err != nil || idx < 0 {
		api.BadRequest(w, "VALIDATION_VIDEO_INDEX", "Video index must be a non-negative integer", rid, map[string]any{"index": raw})
		return 0, false
	}
	return idx, true
}
