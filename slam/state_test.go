package slam

import (
	"testing"

	"go.viam.com/test"
)

func TestTransitions(t *testing.T) {
	for _, tc := range []struct {
		from  State
		event Event
		to    State
		ok    bool
	}{
		{Uninitialized, EventInitialized, Tracking, true},
		{Uninitialized, EventInitTimeout, Failed, true},
		{Uninitialized, EventTrackLost, Uninitialized, true},
		{Uninitialized, EventTrackOK, Uninitialized, false},
		{Uninitialized, EventRelocalized, Uninitialized, false},
		{Uninitialized, EventRetriesExhausted, Uninitialized, false},

		{Tracking, EventTrackOK, Tracking, true},
		{Tracking, EventTrackLost, Relocalizing, true},
		{Tracking, EventInitialized, Tracking, false},
		{Tracking, EventInitTimeout, Tracking, false},
		{Tracking, EventRelocalized, Tracking, false},
		{Tracking, EventRetriesExhausted, Tracking, false},

		{Relocalizing, EventRelocalized, Tracking, true},
		{Relocalizing, EventTrackLost, Relocalizing, true},
		{Relocalizing, EventRetriesExhausted, Failed, true},
		{Relocalizing, EventInitialized, Relocalizing, false},
		{Relocalizing, EventInitTimeout, Relocalizing, false},
		{Relocalizing, EventTrackOK, Relocalizing, false},

		{Failed, EventInitialized, Failed, false},
		{Failed, EventInitTimeout, Failed, false},
		{Failed, EventTrackOK, Failed, false},
		{Failed, EventTrackLost, Failed, false},
		{Failed, EventRelocalized, Failed, false},
		{Failed, EventRetriesExhausted, Failed, false},
	} {
		t.Run(tc.from.String()+" "+tc.event.String(), func(t *testing.T) {
			next, err := Next(tc.from, tc.event)
			if tc.ok {
				test.That(t, err, test.ShouldBeNil)
			} else {
				test.That(t, err, test.ShouldNotBeNil)
			}
			test.That(t, next, test.ShouldEqual, tc.to)
		})
	}
}
