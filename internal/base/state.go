// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"fmt"

	"github.com/hemant/titanbroker/internal/errors"
)

// QueueState denotes the operational state of a queue.
type QueueState int

const (
	QueueStateUp QueueState = iota + 1
	QueueStateGoingUp
	QueueStateGoingDown
	QueueStateDown
	QueueStateLocked
)

var queueStates = map[QueueState]string{
	QueueStateUp:        "up",
	QueueStateGoingUp:   "going_up",
	QueueStateGoingDown: "going_down",
	QueueStateDown:      "down",
	QueueStateLocked:    "locked",
}

func (s QueueState) String() string {
	if v, ok := queueStates[s]; ok {
		return v
	}
	panic(fmt.Sprintf("internal error: unknown queue state %d", s))
}

// QueueStateFromString parses the stored representation of a queue state.
func QueueStateFromString(s string) (QueueState, error) {
	for k, v := range queueStates {
		if v == s {
			return k, nil
		}
	}
	return 0, errors.E(errors.InvalidArgument, fmt.Sprintf("%q is not a queue state", s))
}

// stateTransitions is the fixed table of legal (from, to) pairs.
var stateTransitions = map[QueueState][]QueueState{
	QueueStateDown:      {QueueStateGoingUp},
	QueueStateGoingUp:   {QueueStateUp, QueueStateDown},
	QueueStateUp:        {QueueStateGoingDown, QueueStateLocked},
	QueueStateGoingDown: {QueueStateDown, QueueStateUp},
	QueueStateLocked:    {QueueStateUp},
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to QueueState) bool {
	for _, s := range stateTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionPairs returns the legal transitions as "from>to" strings.
// The list is handed to the state script so that the check and the write
// happen in one step.
func TransitionPairs() []string {
	var pairs []string
	for from, tos := range stateTransitions {
		for _, to := range tos {
			pairs = append(pairs, from.String()+">"+to.String())
		}
	}
	return pairs
}
