// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/capsule-foundation/capsule/internal/pm"
	"github.com/capsule-foundation/capsule/internal/repo"
	"github.com/capsule-foundation/capsule/internal/task"
	"github.com/capsule-foundation/capsule/lib/repoconfig"
)

// Server accepts connections on a Unix domain socket and dispatches
// each request's Action to the Package Manager Core, the Task Engine,
// or the Repo Facade's config accessors, mirroring
// cmd/bureau-daemon/observe.go's accept-loop-plus-dispatch-switch
// shape (handleObserveClient's switch on request.Action).
type Server struct {
	socketPath string
	mgr        *pm.Manager
	engine     *task.Engine
	repo       *repo.Repo
	logger     *slog.Logger

	listener net.Listener

	mu          sync.Mutex
	subscribers map[net.Conn]struct{}
}

// New creates a Server. Call Start to begin accepting connections.
func New(socketPath string, mgr *pm.Manager, engine *task.Engine, r *repo.Repo, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		socketPath:  socketPath,
		mgr:         mgr,
		engine:      engine,
		repo:        r,
		logger:      logger,
		subscribers: make(map[net.Conn]struct{}),
	}
}

// Start opens the listening socket and launches the accept loop.
func (s *Server) Start(ctx context.Context) error {
	os.Remove(s.socketPath)
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	s.listener = listener
	s.logger.Info("transport listener started", "socket", s.socketPath)

	go s.acceptLoop(ctx)
	return nil
}

// Stop closes the listener and every connected subscriber.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
		os.Remove(s.socketPath)
	}
	s.mu.Lock()
	for conn := range s.subscribers {
		conn.Close()
	}
	s.subscribers = make(map[net.Conn]struct{})
	s.mu.Unlock()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				if !strings.Contains(err.Error(), "use of closed network connection") {
					s.logger.Error("accept connection", "error", err)
				}
				return
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// handleConnection decodes one request and dispatches it. A
// "subscribe" request keeps the connection open as an event stream
// instead of replying once, the way handleObserveSession diverts into
// a long-lived session rather than a single request/response.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.reply(conn, Response{Error: fmt.Sprintf("invalid request: %v", err)})
		conn.Close()
		return
	}

	if req.Action == "subscribe" {
		s.handleSubscribe(conn)
		return
	}
	defer conn.Close()

	resp := s.dispatch(ctx, req)
	s.reply(conn, resp)
}

func (s *Server) handleSubscribe(conn net.Conn) {
	s.mu.Lock()
	s.subscribers[conn] = struct{}{}
	s.mu.Unlock()
	s.reply(conn, Response{OK: true})
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if resp.Error != "" {
		resp.OK = false
	} else {
		resp.OK = true
	}
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Error("writing response", "error", err)
	}
}

// dispatch implements spec.md §6's method table, one case per RPC
// method.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Action {
	case "install":
		tk, err := s.mgr.Install(ctx, pm.InstallParameters{
			Package: req.Package.toSpec(),
			Options: req.Options.toOptions(),
		})
		return taskResponse(tk, err)

	case "uninstall":
		tk, err := s.mgr.Uninstall(ctx, pm.UninstallParameters{Package: req.Package.toSpec()})
		return taskResponse(tk, err)

	case "update":
		packages := make([]pm.PackageSpec, len(req.Packages))
		for i, p := range req.Packages {
			packages[i] = p.toSpec()
		}
		tk, err := s.mgr.Update(ctx, pm.UpdateParameters{Packages: packages})
		return taskResponse(tk, err)

	case "search":
		jobID := s.mgr.Search(req.SearchID)
		return Response{JobID: jobID}

	case "prune":
		jobID := s.mgr.Prune(ctx)
		return Response{JobID: jobID}

	case "generate_cache":
		jobID, err := s.mgr.GenerateCache(req.Reference)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{JobID: jobID}

	case "job_result":
		result, ok := s.mgr.JobResult(req.JobID)
		if !ok {
			return Response{Error: fmt.Sprintf("job %s has not finished", req.JobID)}
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Result: raw}

	case "get_task":
		snap, ok := s.engine.Get(req.TaskID)
		if !ok {
			return Response{Error: fmt.Sprintf("task %s not found", req.TaskID)}
		}
		return Response{Snapshot: snapshotToWire(snap)}

	case "reply":
		if err := s.engine.ReplyInteraction(req.TaskID, req.ReplyAction); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}

	case "cancel":
		if !s.engine.Cancel(req.TaskID) {
			return Response{Error: fmt.Sprintf("task %s not found", req.TaskID)}
		}
		return Response{}

	case "get_config":
		raw, err := json.Marshal(s.repo.GetConfig())
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Config: raw}

	case "set_config":
		var cfg repoconfig.Config
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return Response{Error: fmt.Sprintf("invalid config: %v", err)}
		}
		if err := s.repo.SetConfig(&cfg); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{}

	default:
		return Response{Error: fmt.Sprintf("unknown action %q", req.Action)}
	}
}

func taskResponse(tk *task.Task, err error) Response {
	if err != nil {
		return Response{Error: err.Error()}
	}
	return Response{TaskID: tk.ID}
}

func snapshotToWire(snap task.Snapshot) *TaskSnapshot {
	return &TaskSnapshot{
		ID:       snap.ID,
		RefSpecs: snap.RefSpecs,
		State:    snap.State.String(),
		SubState: snap.SubState.String(),
		Message:  snap.Message,
	}
}

func (p PackagePayload) toSpec() pm.PackageSpec {
	return pm.PackageSpec{ID: p.ID, Channel: p.Channel, Version: p.Version, Module: p.Module}
}

func (o OptionsPayload) toOptions() pm.CommonOptions {
	return pm.CommonOptions{Force: o.Force, SkipInteraction: o.SkipInteraction}
}

// broadcast fans an event out to every subscribed connection,
// dropping (and closing) any subscriber whose write fails, mirroring
// observe/relay.go's fan-out-to-subscribers style.
func (s *Server) broadcast(event Event) {
	raw, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("marshaling event", "error", err)
		return
	}
	raw = append(raw, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.subscribers {
		if _, err := conn.Write(raw); err != nil {
			conn.Close()
			delete(s.subscribers, conn)
		}
	}
}

// TaskAdded implements task.EventSink.
func (s *Server) TaskAdded(taskID string) {
	s.broadcast(Event{Type: EventTaskAdded, TaskID: taskID})
}

// RequestInteraction implements task.EventSink.
func (s *Server) RequestInteraction(taskID string, messageType task.MessageType, additionalMessage string) {
	s.broadcast(Event{Type: EventRequestInteraction, TaskID: taskID, MessageType: messageTypeString(messageType), AdditionalMessage: additionalMessage})
}

// ReplyReceived implements task.EventSink.
func (s *Server) ReplyReceived(taskID string, action string) {
	s.broadcast(Event{Type: EventReplyReceived, TaskID: taskID, ReplyAction: action})
}

// SearchFinished implements task.EventSink.
func (s *Server) SearchFinished(jobID string) {
	s.broadcast(Event{Type: EventSearchFinished, JobID: jobID})
}

// PruneFinished implements task.EventSink.
func (s *Server) PruneFinished(jobID string) {
	s.broadcast(Event{Type: EventPruneFinished, JobID: jobID})
}

// GenerateCacheFinished implements task.EventSink.
func (s *Server) GenerateCacheFinished(jobID string, ok bool) {
	s.broadcast(Event{Type: EventGenerateCacheFinished, JobID: jobID, OK: ok})
}

func messageTypeString(mt task.MessageType) string {
	if mt == task.MessageQuestion {
		return "question"
	}
	return "notification"
}
