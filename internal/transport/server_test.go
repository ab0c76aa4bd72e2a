// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/capsule-foundation/capsule/internal/pm"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/testutil"
)

// sinkProxy forwards task.EventSink calls to target once assigned,
// breaking the construction cycle between the Task Engine (which
// needs a Sink at New) and the Server (which needs the Engine at
// New), the same way cmd/capsuled wires its daemon sink.
type sinkProxy struct {
	target task.EventSink
}

func (p *sinkProxy) TaskAdded(taskID string) {
	if p.target != nil {
		p.target.TaskAdded(taskID)
	}
}

func (p *sinkProxy) RequestInteraction(taskID string, messageType task.MessageType, additionalMessage string) {
	if p.target != nil {
		p.target.RequestInteraction(taskID, messageType, additionalMessage)
	}
}

func (p *sinkProxy) ReplyReceived(taskID string, action string) {
	if p.target != nil {
		p.target.ReplyReceived(taskID, action)
	}
}

func (p *sinkProxy) SearchFinished(jobID string) {
	if p.target != nil {
		p.target.SearchFinished(jobID)
	}
}

func (p *sinkProxy) PruneFinished(jobID string) {
	if p.target != nil {
		p.target.PruneFinished(jobID)
	}
}

func (p *sinkProxy) GenerateCacheFinished(jobID string, ok bool) {
	if p.target != nil {
		p.target.GenerateCacheFinished(jobID, ok)
	}
}

func newTestServer(t *testing.T) (*Server, *repo.Repo, *task.Engine) {
	t.Helper()
	root := t.TempDir()
	r, err := repo.Open(repo.Options{
		Root:        filepath.Join(root, "store"),
		LockPath:    filepath.Join(root, "repo.lock"),
		RuntimeRoot: filepath.Join(root, "runtime"),
		ConfigPath:  filepath.Join(root, "config.yaml"),
		ExportRoot:  filepath.Join(root, "export"),
	})
	if err != nil {
		t.Fatalf("repo.Open: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	sink := &sinkProxy{}
	engine := task.New(task.Options{Sink: sink})
	engine.Start()
	t.Cleanup(engine.Stop)

	mgr := pm.New(pm.Options{Repo: r, Engine: engine, Sink: sink})
	server := New(filepath.Join(root, "capsule.sock"), mgr, engine, r, nil)
	sink.target = server
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("server.Start: %v", err)
	}
	t.Cleanup(server.Stop)
	return server, r, engine
}

func dial(t *testing.T, server *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", server.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, req Request) Response {
	t.Helper()
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		t.Fatalf("encode request: %v", err)
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestGetConfigRoundTrip(t *testing.T) {
	server, _, _ := newTestServer(t)
	conn := dial(t, server)

	resp := roundTrip(t, conn, Request{Action: "get_config"})
	if !resp.OK {
		t.Fatalf("get_config failed: %s", resp.Error)
	}
	if len(resp.Config) == 0 {
		t.Fatal("get_config returned no config payload")
	}
}

func TestUnknownActionReturnsError(t *testing.T) {
	server, _, _ := newTestServer(t)
	conn := dial(t, server)

	resp := roundTrip(t, conn, Request{Action: "levitate"})
	if resp.OK {
		t.Fatal("expected an error response for an unknown action")
	}
}

func TestGetTaskNotFoundReturnsError(t *testing.T) {
	server, _, _ := newTestServer(t)
	conn := dial(t, server)

	resp := roundTrip(t, conn, Request{Action: "get_task", TaskID: "no-such-task"})
	if resp.OK {
		t.Fatal("expected an error response for an unknown task id")
	}
}

func TestSubscribeReceivesTaskAddedEvent(t *testing.T) {
	server, _, engine := newTestServer(t)
	sub := dial(t, server)

	if err := json.NewEncoder(sub).Encode(Request{Action: "subscribe"}); err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	var ack Response
	if err := json.NewDecoder(sub).Decode(&ack); err != nil {
		t.Fatalf("decode subscribe ack: %v", err)
	}
	if !ack.OK {
		t.Fatalf("subscribe failed: %s", ack.Error)
	}

	events := make(chan Event, 1)
	go func() {
		var ev Event
		if err := json.NewDecoder(sub).Decode(&ev); err == nil {
			events <- ev
		}
	}()

	if _, err := engine.Submit([]string{"stable/org.example.App/x86_64/binary"}, func(h *task.Handle) {
		h.Finish(task.StateSucceed, "")
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev := testutil.RequireReceive(t, events, 2*time.Second, "waiting for task_added broadcast")
	if ev.Type != EventTaskAdded {
		t.Errorf("event type = %q, want %q", ev.Type, EventTaskAdded)
	}
	if ev.TaskID == "" {
		t.Error("task_added event carried no task id")
	}
}
