// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

var now = time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)

func TestValidate(t *testing.T) {
	valid := []Plan{
		{},
		{Delay: time.Second},
		{Cron: "*/5 * * * *"},
		{Cron: "@hourly"},
		{Repeat: 2, RepeatPeriod: time.Second},
	}
	for _, p := range valid {
		assert.NoError(t, p.Validate(), "%+v", p)
	}
	invalid := []Plan{
		{Delay: -time.Second},
		{Repeat: -1},
		{Repeat: 2},
		{Cron: "not a cron"},
		{Cron: "* * * * * *"},
	}
	for _, p := range invalid {
		assert.True(t, errors.IsValidation(p.Validate()), "%+v", p)
	}
}

func TestFirst(t *testing.T) {
	tests := []struct {
		desc       string
		plan       Plan
		wantDue    time.Time
		wantRepeat int
	}{
		{"immediate", Plan{}, time.Time{}, 0},
		{"delay", Plan{Delay: 10 * time.Second}, now.Add(10 * time.Second), 0},
		{"repeat", Plan{Repeat: 3, RepeatPeriod: time.Minute}, now, 3},
		{"cron", Plan{Cron: "*/5 * * * *"}, time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC), 0},
		{"cron after delay", Plan{Cron: "*/5 * * * *", Delay: 10 * time.Minute}, time.Date(2024, 3, 1, 12, 15, 0, 0, time.UTC), 0},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			due, repeat, err := First(tc.plan, now)
			require.NoError(t, err)
			assert.True(t, tc.wantDue.Equal(due), "got %v, want %v", due, tc.wantDue)
			assert.Equal(t, tc.wantRepeat, repeat)
		})
	}
}

func TestNextRepeatOnly(t *testing.T) {
	p := Plan{Repeat: 2, RepeatPeriod: time.Minute}
	at, remaining, err := First(p, now)
	require.NoError(t, err)

	var fires []time.Time
	for !at.IsZero() {
		fires = append(fires, at)
		at, remaining, err = Next(p, remaining, at)
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Time{now, now.Add(time.Minute), now.Add(2 * time.Minute)}, fires)
}

func TestNextCronWithRepeat(t *testing.T) {
	p := Plan{Cron: "0 * * * *", Repeat: 1, RepeatPeriod: 10 * time.Minute}
	at, remaining, err := First(p, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC), at)
	assert.Equal(t, 1, remaining)

	at, remaining, err = Next(p, remaining, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 10, 0, 0, time.UTC), at)
	assert.Equal(t, 0, remaining)

	at, remaining, err = Next(p, remaining, at)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC), at)
	assert.Equal(t, 1, remaining)
}

func TestPlanOf(t *testing.T) {
	m := &base.Message{ScheduledDelay: 1500, ScheduledRepeat: 2, ScheduledRepeatPeriod: 1000}
	p := PlanOf(m)
	assert.Equal(t, Plan{Delay: 1500 * time.Millisecond, Repeat: 2, RepeatPeriod: time.Second}, p)
	assert.True(t, p.IsRecurring())
	assert.True(t, p.IsScheduled())
	assert.False(t, Plan{}.IsScheduled())
}
