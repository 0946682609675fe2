// Package worker implements the Worker Registry: an in-memory directory
// of connected worker processes, their heartbeat-driven lifecycle, and
// the owned-agent-blueprint uniqueness constraint.
package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/kandev/coordinator/internal/common/errors"
	v1 "github.com/kandev/coordinator/pkg/api/v1"
)

// RegisterRequest carries the fields a worker supplies at registration.
type RegisterRequest struct {
	Hostname            string
	ProjectDir          string
	ExecutorProfile     string
	ExecutorType        string
	Tags                []string
	RequireMatchingTags bool
	OwnedAgents         []v1.OwnedAgent
}

// Registry is the in-memory worker directory, guarded by a single mutex.
// Two maps mirror the lifecycle manager's instances/byTask/byContainer
// shape: the primary record and a secondary index resolving an owned
// agent's name back to the worker that claims it exclusively.
type Registry struct {
	mu           sync.Mutex
	workers      map[string]*v1.Worker // worker_id -> worker
	ownedAgentBy map[string]string     // agent name -> worker_id
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:      make(map[string]*v1.Worker),
		ownedAgentBy: make(map[string]string),
	}
}

// DeriveWorkerID computes the deterministic worker_id for (hostname,
// project_dir, executor_profile) so that a restarting worker process
// reconnects to its existing record instead of minting a new one.
func DeriveWorkerID(hostname, projectDir, executorProfile string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", hostname, projectDir, executorProfile)))
	return "wrk_" + hex.EncodeToString(h[:])[:12]
}

// Register inserts a new worker or, if worker_id already exists,
// reconnects it: refreshes last_heartbeat, clears stale/pending-deregister
// flags, and returns the existing record. A worker that declares no
// executor type is recorded as "autonomous", the same default the Demand
// Resolver applies to blueprints.
func (r *Registry) Register(req RegisterRequest) (*v1.Worker, error) {
	if req.ExecutorType == "" {
		req.ExecutorType = "autonomous"
	}
	id := DeriveWorkerID(req.Hostname, req.ProjectDir, req.ExecutorProfile)
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOwnedAgentCollision(id, req.OwnedAgents); err != nil {
		return nil, err
	}

	if existing, ok := r.workers[id]; ok {
		existing.Status = v1.WorkerOnline
		existing.LastHeartbeat = now
		existing.PendingDeregister = false
		existing.Tags = req.Tags
		existing.RequireMatchingTags = req.RequireMatchingTags
		existing.ExecutorType = req.ExecutorType
		r.reindexOwnedAgents(id, existing.OwnedAgents, req.OwnedAgents)
		existing.OwnedAgents = req.OwnedAgents
		return existing, nil
	}

	w := &v1.Worker{
		WorkerID:            id,
		Hostname:            req.Hostname,
		ProjectDir:          req.ProjectDir,
		ExecutorProfile:     req.ExecutorProfile,
		ExecutorType:        req.ExecutorType,
		Status:              v1.WorkerOnline,
		RegisteredAt:        now,
		LastHeartbeat:       now,
		Tags:                req.Tags,
		RequireMatchingTags: req.RequireMatchingTags,
		OwnedAgents:         req.OwnedAgents,
	}
	r.workers[id] = w
	r.reindexOwnedAgents(id, nil, req.OwnedAgents)
	return w, nil
}

// checkOwnedAgentCollision returns an AlreadyExists error naming the
// existing owner when req's agent names collide with a different worker's.
func (r *Registry) checkOwnedAgentCollision(id string, agents []v1.OwnedAgent) error {
	for _, a := range agents {
		if owner, ok := r.ownedAgentBy[a.Name]; ok && owner != id {
			return apperrors.AlreadyExists("owned agent blueprint", fmt.Sprintf("%s (owned by worker %s)", a.Name, owner))
		}
	}
	return nil
}

func (r *Registry) reindexOwnedAgents(id string, previous, current []v1.OwnedAgent) {
	for _, a := range previous {
		if r.ownedAgentBy[a.Name] == id {
			delete(r.ownedAgentBy, a.Name)
		}
	}
	for _, a := range current {
		r.ownedAgentBy[a.Name] = id
	}
}

// Heartbeat refreshes a worker's last_heartbeat and clears any stale flag.
func (r *Registry) Heartbeat(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return apperrors.NotFound("worker", workerID)
	}
	w.LastHeartbeat = time.Now().UTC()
	w.Status = v1.WorkerOnline
	return nil
}

// MarkDeregistered sets the pending-deregistration flag; the next poll
// observes it and the caller removes the record via ConfirmDeregistered.
func (r *Registry) MarkDeregistered(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return apperrors.NotFound("worker", workerID)
	}
	w.PendingDeregister = true
	return nil
}

// ConfirmDeregistered removes a worker's record entirely, along with its
// owned-agent index entries.
func (r *Registry) ConfirmDeregistered(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return
	}
	r.reindexOwnedAgents(workerID, w.OwnedAgents, nil)
	delete(r.workers, workerID)
}

// Get returns a worker by id.
func (r *Registry) Get(workerID string) (*v1.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	if !ok {
		return nil, apperrors.NotFound("worker", workerID)
	}
	return w, nil
}

// IsPendingDeregister reports a worker's pending-deregistration flag.
func (r *Registry) IsPendingDeregister(workerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[workerID]
	return ok && w.PendingDeregister
}

// List returns a snapshot of every registered worker.
func (r *Registry) List() []*v1.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*v1.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	return out
}

// FindCandidates returns a snapshot of workers passing the given predicate.
func (r *Registry) FindCandidates(predicate func(*v1.Worker) bool) []*v1.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*v1.Worker
	for _, w := range r.workers {
		if predicate(w) {
			out = append(out, w)
		}
	}
	return out
}

// OwnerOf returns the worker_id owning the named agent blueprint, if any.
func (r *Registry) OwnerOf(agentName string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.ownedAgentBy[agentName]
	return id, ok
}

// LifecycleSweep flips workers silent for >= staleAfter to stale, and
// removes workers silent for >= removeAfter entirely. Mirrors the
// two-threshold update_lifecycle behavior: stale first, removed second.
func (r *Registry) LifecycleSweep(staleAfter, removeAfter time.Duration) (staleIDs, removedIDs []string) {
	now := time.Now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	for id, w := range r.workers {
		silentFor := now.Sub(w.LastHeartbeat)
		if silentFor >= removeAfter {
			r.reindexOwnedAgents(id, w.OwnedAgents, nil)
			delete(r.workers, id)
			removedIDs = append(removedIDs, id)
			continue
		}
		if silentFor >= staleAfter && w.Status != v1.WorkerStale {
			w.Status = v1.WorkerStale
			staleIDs = append(staleIDs, id)
		}
	}
	return staleIDs, removedIDs
}
