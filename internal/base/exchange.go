// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/json"
	"fmt"

	"github.com/hemant/titanbroker/internal/errors"
)

// ExchangeRef identifies an exchange by namespace and name.
type ExchangeRef struct {
	Namespace string `json:"ns"`
	Name      string `json:"name"`
}

func (e ExchangeRef) String() string {
	return e.Name + "@" + e.Namespace
}

// Validate returns a validation error for malformed references.
func (e ExchangeRef) Validate() error {
	if err := ValidateNamespace(e.Namespace); err != nil {
		return err
	}
	return ValidateName("exchange", e.Name)
}

// ExchangeType is the closed set of routing topologies.
type ExchangeType int

const (
	ExchangeDirect ExchangeType = iota + 1
	ExchangeFanout
	ExchangeTopic
)

func (t ExchangeType) String() string {
	switch t {
	case ExchangeDirect:
		return "direct"
	case ExchangeFanout:
		return "fanout"
	case ExchangeTopic:
		return "topic"
	}
	panic(fmt.Sprintf("internal error: unknown exchange type %d", t))
}

// ExchangeTypeFromString parses an exchange type name.
func ExchangeTypeFromString(s string) (ExchangeType, error) {
	switch s {
	case "direct":
		return ExchangeDirect, nil
	case "fanout":
		return ExchangeFanout, nil
	case "topic":
		return ExchangeTopic, nil
	}
	return 0, errors.E(errors.InvalidArgument, fmt.Sprintf("%q is not a supported exchange type", s))
}

// Exchange holds exchange attributes.
type Exchange struct {
	Ref  ExchangeRef
	Type ExchangeType
}

// Binding attaches a queue to an exchange. Pattern is used by TOPIC exchanges only.
type Binding struct {
	Queue   QueueRef `json:"queue"`
	Pattern string   `json:"pattern,omitempty"`
}

// EncodeBinding returns the set member representing b.
func EncodeBinding(b Binding) (string, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeBinding parses a set member written by EncodeBinding.
func DecodeBinding(s string) (Binding, error) {
	var b Binding
	err := json.Unmarshal([]byte(s), &b)
	return b, err
}
