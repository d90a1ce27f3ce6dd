package progress

import (
	"encoding/json"
	"sort"
	"time"
)

// CourseMetadata is the snapshot of the externally owned course copied into a
// record so it can be shown offline. Zero-valued fields mean "not supplied"
// when the snapshot is overlaid onto a stored one.
type CourseMetadata struct {
	CourseID             string    `json:"id"`
	Title                string    `json:"title,omitempty"`
	Description          string    `json:"description,omitempty"`
	Thumbnail            string    `json:"thumbnail,omitempty"`
	TotalVideos          int       `json:"totalVideos"`
	TotalDurationSeconds int       `json:"totalDuration,omitempty"`
	CreatedAt            time.Time `json:"createdAt"`
}

// overlay applies the supplied fields of next on top of m.
func (m CourseMetadata) overlay(next CourseMetadata) CourseMetadata {
	if next.CourseID != "" {
		m.CourseID = next.CourseID
	}
	if next.Title != "" {
		m.Title = next.Title
	}
	if next.Description != "" {
		m.Description = next.Description
	}
	if next.Thumbnail != "" {
		m.Thumbnail = next.Thumbnail
	}
	if next.TotalVideos != 0 {
		m.TotalVideos = next.TotalVideos
	}
	if next.TotalDurationSeconds != 0 {
		m.TotalDurationSeconds = next.TotalDurationSeconds
	}
	if !next.CreatedAt.IsZero() {
		m.CreatedAt = next.CreatedAt
	}
	return m
}

// VideoDetail is the optional per-video snapshot a caller may attach.
type VideoDetail struct {
	VideoID         string `json:"videoId"`
	Title           string `json:"title,omitempty"`
	DurationSeconds int    `json:"duration,omitempty"`
	Thumbnail       string `json:"thumbnail,omitempty"`
}

// IndexSet is a sorted, duplicate-free set of zero-based video indices.
// Indices are not checked against the course's video count.
type IndexSet []int

// NewIndexSet builds a set from idx, dropping duplicates and negative values.
func NewIndexSet(idx ...int) IndexSet {
	out := make(IndexSet, 0, len(idx))
	for _, i := range idx {
		if i >= 0 {
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out.compact()
}

func (s IndexSet) compact() IndexSet {
	if len(s) < 2 {
		return s
	}
	w := 1
	for r := 1; r < len(s); r++ {
		if s[r] != s[w-1] {
			s[w] = s[r]
			w++
		}
	}
	return s[:w]
}

func (s IndexSet) Has(i int) bool {
	n := sort.SearchInts(s, i)
	return n < len(s) && s[n] == i
}

// With returns a copy of s that also contains i.
func (s IndexSet) With(i int) IndexSet {
	out := make([]int, 0, len(s)+1)
	out = append(out, s...)
	return NewIndexSet(append(out, i)...)
}

func (s IndexSet) Union(o IndexSet) IndexSet {
	out := make([]int, 0, len(s)+len(o))
	out = append(out, s...)
	return NewIndexSet(append(out, o...)...)
}

func (s IndexSet) Equal(o IndexSet) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s IndexSet) MarshalJSON() ([]byte, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int(s))
}

// UnmarshalJSON normalises whatever was persisted back into set form.
func (s *IndexSet) UnmarshalJSON(b []byte) error {
	var raw []int
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*s = NewIndexSet(raw...)
	return nil
}

// Record is one course's learning state on this device.
type Record struct {
	CourseID              string         `json:"courseId"`
	Course                CourseMetadata `json:"courseMetadata"`
	LastViewedAt          time.Time      `json:"lastViewedAt"`
	LastVideoIndex        int            `json:"lastVideoIndex"`
	CompletedVideoIndices IndexSet       `json:"completedVideoIndices"`
	WatchedVideoIndices   IndexSet       `json:"watchedVideoIndices"`
	VideosDetail          []VideoDetail  `json:"videosDetail,omitempty"`
}

func (r Record) clone() Record {
	r.CompletedVideoIndices = append(IndexSet{}, r.CompletedVideoIndices...)
	r.WatchedVideoIndices = append(IndexSet{}, r.WatchedVideoIndices...)
	if r.VideosDetail != nil {
		r.VideosDetail = append([]VideoDetail{}, r.VideosDetail...)
	}
	return r
}

// Seen is the set of videos counted toward completion: watched or completed.
func (r Record) Seen() IndexSet {
	return r.WatchedVideoIndices.Union(r.CompletedVideoIndices)
}
