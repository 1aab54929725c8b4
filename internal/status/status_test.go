package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

var all = []Status{Idle, Loading, Flushable, Saving, FlushableError, Error}

func TestTransition_Table(t *testing.T) {
	legal := map[Status][]Status{
		Idle:           {Loading, Flushable},
		Loading:        {Loading, Idle, Error},
		Flushable:      {Saving, Flushable},
		Saving:         {Flushable, Idle, FlushableError, Error},
		FlushableError: {Saving},
		Error:          {},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range legal[from] {
				if ok == to {
					want = true
				}
			}

			got, err := Transition(from, to)
			if want {
				if err != nil {
					t.Errorf("Expected %s -> %s to be legal, got %v", from, to, err)
				}
				if got != to {
					t.Errorf("Expected %s, got %s", to, got)
				}
				continue
			}

			var te *TransitionError
			if !errors.As(err, &te) {
				t.Errorf("Expected TransitionError for %s -> %s, got %v", from, to, err)
				continue
			}
			assert.Equal(t, from, got)
			assert.Equal(t, from, te.From)
			assert.Equal(t, to, te.To)
		}
	}
}

func TestRequest_NoOps(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{Saving, Flushable},
		{Saving, Saving},
		{FlushableError, Flushable},
		{Error, Flushable},
	}

	for _, tc := range cases {
		got, err := Request(tc.from, tc.to)
		if err != nil {
			t.Errorf("Request(%s, %s) failed: %v", tc.from, tc.to, err)
		}
		if got != tc.from {
			t.Errorf("Expected %s to be kept, got %s", tc.from, got)
		}
	}
}

func TestRequest_FallsBackToTable(t *testing.T) {
	got, err := Request(Idle, Flushable)
	assert.NoError(t, err)
	assert.Equal(t, Flushable, got)

	_, err = Request(Error, Idle)
	assert.Error(t, err)

	_, err = Request(Idle, Saving)
	assert.EqualError(t, err, "illegal status transition idle -> saving")
}

func TestCanFlush(t *testing.T) {
	for _, s := range all {
		want := s == Flushable || s == FlushableError
		if CanFlush(s) != want {
			t.Errorf("CanFlush(%s): expected %v", s, want)
		}
	}
	assert.False(t, Status("bogus").Valid())
	assert.True(t, Saving.Valid())
}
