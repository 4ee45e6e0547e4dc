// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package schedule computes the delivery times of delayed and recurring messages.
package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hemant/titanbroker/internal/base"
	"github.com/hemant/titanbroker/internal/errors"
)

// parser accepts standard five-field cron expressions.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Plan is the scheduling part of a message.
type Plan struct {
	// Delay before the first delivery.
	Delay time.Duration

	// Cron expression of the recurring deliveries.
	Cron string

	// Repeat is the number of extra deliveries, RepeatPeriod apart, after
	// each cron occurrence, or after the first delivery without Cron.
	Repeat       int
	RepeatPeriod time.Duration
}

// PlanOf returns the plan carried by the message.
func PlanOf(m *base.Message) Plan {
	return Plan{
		Delay:        time.Duration(m.ScheduledDelay) * time.Millisecond,
		Cron:         m.ScheduledCron,
		Repeat:       m.ScheduledRepeat,
		RepeatPeriod: time.Duration(m.ScheduledRepeatPeriod) * time.Millisecond,
	}
}

// Validate checks the plan.
func (p Plan) Validate() error {
	var op errors.Op = "schedule.Validate"
	if p.Delay < 0 {
		return errors.E(op, errors.InvalidArgument, "scheduled delay must not be negative")
	}
	if p.Repeat < 0 {
		return errors.E(op, errors.InvalidArgument, "repeat count must not be negative")
	}
	if p.Repeat > 0 && p.RepeatPeriod <= 0 {
		return errors.E(op, errors.InvalidArgument, "repeat count requires a positive repeat period")
	}
	if p.Cron != "" {
		if _, err := parser.Parse(p.Cron); err != nil {
			return errors.E(op, errors.InvalidArgument, fmt.Sprintf("invalid cron expression %q: %v", p.Cron, err))
		}
	}
	return nil
}

// IsRecurring reports whether the plan fires more than once.
func (p Plan) IsRecurring() bool {
	return p.Cron != "" || (p.Repeat > 0 && p.RepeatPeriod > 0)
}

// IsScheduled reports whether the first delivery goes through the due-time index.
func (p Plan) IsScheduled() bool {
	return p.Delay > 0 || p.IsRecurring()
}

// First returns the first due time of a message produced at now and the
// repeat counter it starts with. A zero time means immediate delivery.
func First(p Plan, now time.Time) (time.Time, int, error) {
	if !p.IsScheduled() {
		return time.Time{}, 0, nil
	}
	start := now.Add(p.Delay)
	if p.Cron == "" {
		return start, p.Repeat, nil
	}
	sched, err := parser.Parse(p.Cron)
	if err != nil {
		return time.Time{}, 0, errors.E(errors.Op("schedule.First"), errors.InvalidArgument,
			fmt.Sprintf("invalid cron expression %q: %v", p.Cron, err))
	}
	return sched.Next(start), p.Repeat, nil
}

// Next returns the occurrence that follows a firing at now, given the
// repeat counter of the fired occurrence. Pending repeats come first; once
// they are spent the next cron occurrence starts a fresh round of repeats.
// A zero time means the message does not fire again.
func Next(p Plan, repeatRemaining int, now time.Time) (time.Time, int, error) {
	if repeatRemaining > 0 && p.RepeatPeriod > 0 {
		return now.Add(p.RepeatPeriod), repeatRemaining - 1, nil
	}
	if p.Cron == "" {
		return time.Time{}, 0, nil
	}
	sched, err := parser.Parse(p.Cron)
	if err != nil {
		return time.Time{}, 0, errors.E(errors.Op("schedule.Next"), errors.InvalidArgument,
			fmt.Sprintf("invalid cron expression %q: %v", p.Cron, err))
	}
	return sched.Next(now), p.Repeat, nil
}
