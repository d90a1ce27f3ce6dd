package worker

import (
	"github.com/example/coursecraft/internal/platform/events"
	"github.com/example/coursecraft/services/learner/internal/progress"
)

// UserSource reports the signed-in user, if any.
type UserSource interface {
	UserID() (string, bool)
}

// StartProgressPublisher forwards the progress change feed to NATS. The
// returned func stops forwarding. A disabled publisher makes this a no-op.
func StartProgressPublisher(store *progress.Store, pub *events.Publisher, users UserSource) (stop func()) {
	if !pub.Enabled() {
		return func() {}
	}
	return store.Subscribe(func(ch progress.Change) {
		subject, name := subjectFor(ch.Kind)
		var uid string
		if users != nil {
			uid, _ = users.UserID()
		}
		pub.Publish(subject, name, uid, changeProps(ch))
	})
}

func subjectFor(k progress.ChangeKind) (subject, eventName string) {
	switch k {
	case progress.ChangeRemoved:
		return events.SubjectProgressRemoved, "progress_removed"
	case progress.ChangeCompleted:
		return events.SubjectProgressMarked, "video_completed"
	case progress.ChangeWatched:
		return events.SubjectProgressMarked, "video_watched"
	case progress.ChangeReconciled:
		return events.SubjectProgressReconciled, "progress_reconciled"
	default:
		return events.SubjectProgressSaved, "progress_saved"
	}
}

func changeProps(ch progress.Change) map[string]any {
	props := map[string]any{"course_id": ch.CourseID}
	switch ch.Kind {
	case progress.ChangeRemoved:
		return props
	case progress.ChangeCompleted, progress.ChangeWatched, progress.ChangeSaved:
		props["video_index"] = ch.VideoIndex
	}
	total := ch.Record.Course.TotalVideos
	props["total_videos"] = total
	props["seen_videos"] = len(ch.Record.Seen())
	props["completed_videos"] = len(ch.Record.CompletedVideoIndices)
	return props
}
