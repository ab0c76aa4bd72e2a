// Copyright 2026 The Capsule Authors
// SPDX-License-Identifier: Apache-2.0

package pm

import (
	"context"

	"github.com/capsule-foundation/capsule/internal/core"
	"github.com/capsule-foundation/capsule/lib/capref"
	"github.com/capsule-foundation/capsule/lib/layerstore"
)

// SearchResult is the payload recorded for a finished Search job.
type SearchResult struct {
	Candidates []layerstore.RemoteCandidate
	Err        error
}

// Search implements spec §4.5.11: an asynchronous, non-task job that
// lists remote references matching a fuzzy id, supporting partial/
// substring matching (spec §4.5.13's supplemented fuzzy id search).
// Returns a job id immediately; the result is published through Sink
// and retrievable via JobResult once SearchFinished fires.
func (m *Manager) Search(id string) string {
	jobID := m.newJobID()
	go func() {
		candidates, err := m.repo.ListRemote(context.Background(), capref.Fuzzy{ID: capref.Str(id)})
		if err != nil {
			m.setJobResult(jobID, SearchResult{Err: err})
		} else {
			m.setJobResult(jobID, SearchResult{Candidates: candidates})
		}
		m.sink.SearchFinished(jobID)
	}()
	return jobID
}

// GenerateCacheResult is the payload recorded for a finished
// GenerateCache job.
type GenerateCacheResult struct {
	OK  bool
	Err error
}

// GenerateCache runs the post-install cache generator for ref as an
// independent, user-triggered job (spec §6's GenerateCache RPC
// method), separate from the fatal/non-fatal cache generation that
// Install/Uninstall/Prune run inline as part of their own tasks.
func (m *Manager) GenerateCache(refString string) (string, error) {
	ref, err := capref.ParseReference(refString)
	if err != nil {
		return "", core.Wrap(core.KindInvalidArgs, "parsing reference", err)
	}

	jobID := m.newJobID()
	go func() {
		err := m.generateCache(context.Background(), ref, true)
		ok := err == nil
		m.setJobResult(jobID, GenerateCacheResult{OK: ok, Err: err})
		m.sink.GenerateCacheFinished(jobID, ok)
	}()
	return jobID, nil
}
