package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBroadcaster(t *testing.T) {
	var b Broadcaster
	var got []Event
	unsubscribe := b.OnAuthStateChange(func(ev Event, s *Session) {
		got = append(got, ev)
		if s != nil {
			s.AccessToken = "mutated"
		}
	})

	orig := sessionFor("u1", 60)
	b.Emit(EventSignedIn, orig)
	b.Emit(EventSignedOut, nil)
	unsubscribe()
	unsubscribe()
	b.Emit(EventTokenRefreshed, orig)

	assert.Equal(t, []Event{EventSignedIn, EventSignedOut}, got)
	assert.Equal(t, "at-u1", orig.AccessToken, "handlers receive a copy")
}
