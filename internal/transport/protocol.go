// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the local RPC boundary spec.md §1
// calls out as deliberately out of scope, as a concrete, swappable
// stand-in: newline-delimited JSON over a Unix domain socket,
// following the connect/encode/decode-one-line pattern of
// observe/list.go's ListTargets and the daemon-side accept loop of
// cmd/bureau-daemon's transport.go/observe.go.
package transport

import "encoding/json"

// Request is one client request. Action selects which RPC method
// runs; only the fields that method needs are populated.
type Request struct {
	Action string `json:"action"`

	Package  PackagePayload   `json:"package,omitempty"`
	Packages []PackagePayload `json:"packages,omitempty"`
	Options  OptionsPayload   `json:"options,omitempty"`

	SearchID  string `json:"search_id,omitempty"`
	Reference string `json:"reference,omitempty"`

	TaskID string `json:"task_id,omitempty"`
	JobID  string `json:"job_id,omitempty"`

	ReplyAction string `json:"reply_action,omitempty"`

	Config json.RawMessage `json:"config,omitempty"`
}

// PackagePayload is the wire form of pm.PackageSpec.
type PackagePayload struct {
	ID      string `json:"id"`
	Channel string `json:"channel,omitempty"`
	Version string `json:"version,omitempty"`
	Module  string `json:"module,omitempty"`
}

// OptionsPayload is the wire form of pm.CommonOptions.
type OptionsPayload struct {
	Force           bool `json:"force,omitempty"`
	SkipInteraction bool `json:"skip_interaction,omitempty"`
}

// Response is the daemon's reply to a Request.
type Response struct {
	OK       bool            `json:"ok"`
	Error    string          `json:"error,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	JobID    string          `json:"job_id,omitempty"`
	Snapshot *TaskSnapshot   `json:"snapshot,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
}

// TaskSnapshot is the wire form of task.Snapshot.
type TaskSnapshot struct {
	ID       string   `json:"id"`
	RefSpecs []string `json:"ref_specs"`
	State    string   `json:"state"`
	SubState string   `json:"sub_state"`
	Message  string   `json:"message"`
}

// Event is one asynchronous notification pushed to a subscribed
// connection, covering every event spec.md §6 names.
type Event struct {
	Type string `json:"type"`

	TaskID string `json:"task_id,omitempty"`

	MessageType       string `json:"message_type,omitempty"`
	AdditionalMessage string `json:"additional_message,omitempty"`
	ReplyAction       string `json:"reply_action,omitempty"`

	JobID string `json:"job_id,omitempty"`
	OK    bool   `json:"ok,omitempty"`
}

const (
	EventTaskAdded             = "task_added"
	EventRequestInteraction    = "request_interaction"
	EventReplyReceived         = "reply_received"
	EventSearchFinished        = "search_finished"
	EventPruneFinished         = "prune_finished"
	EventGenerateCacheFinished = "generate_cache_finished"
)
