package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/coursecraft/internal/platform/events"
	"github.com/example/coursecraft/services/learner/internal/progress"
	"github.com/example/coursecraft/services/learner/internal/store"
)

type recordingJS struct {
	subjects []string
	events   []events.Event
}

func (r *recordingJS) PublishAsync(subj string, data []byte, _ ...nats.PubOpt) (nats.PubAckFuture, error) {
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	r.subjects = append(r.subjects, subj)
	r.events = append(r.events, ev)
	return nil, nil
}

type staticUser string

func (u staticUser) UserID() (string, bool) { return string(u), u != "" }

// ─── progress publisher ─────────────────────────────────────────────────────

func TestProgressPublisher_ForwardsChanges(t *testing.T) {
	ps := progress.New(store.NewMemoryStore())
	js := &recordingJS{}
	stop := StartProgressPublisher(ps, events.New(js, nil), staticUser("user-1"))
	ctx := context.Background()

	_, err := ps.Save(ctx, progress.Update{Course: progress.CourseMetadata{CourseID: "c1", TotalVideos: 4}, VideoIndex: 1, Watched: []int{0}})
	require.NoError(t, err)
	ps.MarkVideoCompleted(ctx, "c1", 1)
	ps.MarkVideoWatched(ctx, "c1", 2)
	ps.ApplyMetadata(ctx, progress.CourseMetadata{CourseID: "c1", Title: "Go"})
	ps.Remove(ctx, "c1")

	require.Equal(t, []string{
		events.SubjectProgressSaved,
		events.SubjectProgressMarked,
		events.SubjectProgressMarked,
		events.SubjectProgressReconciled,
		events.SubjectProgressRemoved,
	}, js.subjects)

	completed := js.events[1]
	assert.Equal(t, "video_completed", completed.EventName)
	assert.Equal(t, "user-1", completed.UserID)
	assert.Equal(t, "c1", completed.Properties["course_id"])
	assert.EqualValues(t, 1, completed.Properties["video_index"])
	assert.EqualValues(t, 2, completed.Properties["seen_videos"])
	assert.EqualValues(t, 4, completed.Properties["total_videos"])
	assert.Equal(t, "video_watched", js.events[2].EventName)
	assert.NotContains(t, js.events[4].Properties, "total_videos")

	stop()
	_, _ = ps.Save(ctx, progress.Update{Course: progress.CourseMetadata{CourseID: "c2"}})
	assert.Len(t, js.subjects, 5)
}

func TestProgressPublisher_DisabledIsNoop(t *testing.T) {
	ps := progress.New(store.NewMemoryStore())
	stop := StartProgressPublisher(ps, events.New(nil, nil), nil)
	_, err := ps.Save(context.Background(), progress.Update{Course: progress.CourseMetadata{CourseID: "c1"}})
	require.NoError(t, err)
	stop()
}

func TestProgressPublisher_AnonymousUser(t *testing.T) {
	ps := progress.New(store.NewMemoryStore())
	js := &recordingJS{}
	StartProgressPublisher(ps, events.New(js, nil), staticUser(""))

	_, _ = ps.Save(context.Background(), progress.Update{Course: progress.CourseMetadata{CourseID: "c1"}})
	require.Len(t, js.events, 1)
	assert.Empty(t, js.events[0].UserID)
}

// ─── catalog consumer ───────────────────────────────────────────────────────

func TestCatalogConsumer_Apply(t *testing.T) {
	ps := progress.New(store.NewMemoryStore())
	ctx := context.Background()
	_, _ = ps.Save(ctx, progress.Update{Course: progress.CourseMetadata{CourseID: "c1", Title: "Old", TotalVideos: 2}, Watched: []int{0}})
	c := &CatalogConsumer{Store: ps}

	updated, err := c.Apply(ctx, []byte(`{"id":"c1","title":"New","total_videos":4}`))
	require.NoError(t, err)
	assert.True(t, updated)
	rec, _ := ps.Get("c1")
	assert.Equal(t, "New", rec.Course.Title)
	assert.Equal(t, 25, ps.CompletionPercentage("c1"))

	updated, err = c.Apply(ctx, []byte(`{"id":"unknown","title":"Other"}`))
	require.NoError(t, err)
	assert.False(t, updated, "the consumer never creates records")
	assert.Equal(t, 1, ps.Len())

	_, err = c.Apply(ctx, []byte(`garbage`))
	assert.Error(t, err)
}

type failingPull struct{ err error }

func (f failingPull) PullSubscribe(string, string, ...nats.SubOpt) (*nats.Subscription, error) {
	return nil, f.err
}

func TestCatalogConsumer_StartSubscribeError(t *testing.T) {
	c := &CatalogConsumer{Store: progress.New(store.NewMemoryStore())}
	want := errors.New("stream not found")
	done, err := c.Start(context.Background(), failingPull{err: want})
	assert.ErrorIs(t, err, want)
	assert.Nil(t, done)
}
