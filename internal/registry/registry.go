// Package registry tracks client sessions and their agents, and owns the
// invocation admission counter.
package registry

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentica/agentica-server/internal/agent"
	"github.com/agentica/agentica-server/internal/common/config"
	apperrors "github.com/agentica/agentica-server/internal/common/errors"
	"github.com/agentica/agentica-server/internal/common/logger"
	"github.com/agentica/agentica-server/internal/history"
	"github.com/agentica/agentica-server/internal/inference"
	"github.com/agentica/agentica-server/internal/logstore"
	"github.com/agentica/agentica-server/internal/metrics"
	"github.com/agentica/agentica-server/internal/notifier"
)

// CreateAgentRequest is the body of POST /agent/create.
type CreateAgentRequest struct {
	Doc    string `json:"doc,omitempty"`
	System string `json:"system,omitempty"`
	Model  string `json:"model" binding:"required"`
	JSON   bool   `json:"json,omitempty"`

	Streaming bool `json:"streaming,omitempty"`

	// WarpGlobalsPayload is a base64 blob replayed into the sandbox on the
	// agent's first invocation. Zero length is accepted.
	WarpGlobalsPayload string `json:"warp_globals_payload,omitempty"`

	MaxTokensPerInvocation *int `json:"max_tokens_per_invocation,omitempty"`
	MaxTokensPerRound      *int `json:"max_tokens_per_round,omitempty"`
	MaxRounds              *int `json:"max_rounds,omitempty"`

	// Protocol is the "<sdk>/<version>" string used for SDK gating.
	Protocol string `json:"protocol,omitempty"`
}

type session struct {
	cid       string
	uids      map[string]struct{}
	createdAt time.Time
}

// Registry owns sessions, agents, and the admission counter.
type Registry struct {
	sandboxCfg config.SandboxConfig
	client     *inference.Client
	notifier   *notifier.Notifier
	metrics    *metrics.Metrics
	store      *logstore.Store
	logger     *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
	agents   map[string]*agent.Agent
	uidToCID map[string]string

	admission *Admission
}

// New creates the registry.
func New(cfg config.Config, client *inference.Client, n *notifier.Notifier, m *metrics.Metrics, store *logstore.Store, log *logger.Logger) *Registry {
	rlog := log.WithFields(zap.String("component", "registry"))
	return &Registry{
		sandboxCfg: cfg.Sandbox,
		client:     client,
		notifier:   n,
		metrics:    m,
		store:      store,
		logger:     rlog,
		sessions:   make(map[string]*session),
		agents:     make(map[string]*agent.Agent),
		uidToCID:   make(map[string]string),
		admission:  NewAdmission(cfg.Limits.MaxConcurrentInvocations, m, rlog),
	}
}

// Admission exposes the invocation admission counter.
func (r *Registry) Admission() *Admission {
	return r.admission
}

// RegisterSession creates the session if absent. Idempotent.
func (r *Registry) RegisterSession(ctx context.Context, cid string) {
	r.mu.Lock()
	_, exists := r.sessions[cid]
	if !exists {
		r.sessions[cid] = &session{
			cid:       cid,
			uids:      make(map[string]struct{}),
			createdAt: time.Now(),
		}
	}
	r.mu.Unlock()

	if !exists {
		r.notifier.SessionRegistered(ctx, cid)
		r.logger.Info("session registered", zap.String("cid", cid))
	}
}

// HasSession reports whether cid has been registered.
func (r *Registry) HasSession(cid string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[cid]
	return ok
}

// CreateAgent validates the request, pings the inference endpoint for
// credentials and model existence, constructs the agent, and attaches it to
// the session. Returns the new uid.
func (r *Registry) CreateAgent(ctx context.Context, req CreateAgentRequest, cid string) (string, error) {
	r.mu.Lock()
	_, ok := r.sessions[cid]
	r.mu.Unlock()
	if !ok {
		return "", apperrors.NotFound("session", cid)
	}

	spec, err := inference.ParseModel(req.Model)
	if err != nil {
		return "", apperrors.BadModel(req.Model)
	}

	warpGlobals, err := base64.StdEncoding.DecodeString(req.WarpGlobalsPayload)
	if err != nil {
		return "", apperrors.ValidationError("warp_globals_payload", "not valid base64")
	}

	if err := r.client.Ping(ctx, spec); err != nil {
		return "", err
	}

	uid := uuid.NewString()
	a, err := agent.New(ctx, agent.Params{
		UID:          uid,
		CID:          cid,
		Spec:         spec,
		SystemPrompt: req.System,
		Premise:      req.Doc,
		WarpGlobals:  warpGlobals,
		Budget: history.Budget{
			MaxPerInvocation: req.MaxTokensPerInvocation,
			MaxPerRound:      req.MaxTokensPerRound,
			MaxRounds:        req.MaxRounds,
		},
		StreamingDefault: req.Streaming,
		ProtocolVersion:  req.Protocol,
	}, agent.Deps{
		Sandbox:  r.sandboxCfg,
		Client:   r.client,
		Notifier: r.notifier,
		Metrics:  r.metrics,
		Logger:   r.logger,
	})
	if err != nil {
		return "", apperrors.InternalError("failed to construct agent", err)
	}

	r.mu.Lock()
	s, ok := r.sessions[cid]
	if !ok {
		// Session deregistered while constructing; roll back.
		r.mu.Unlock()
		a.Close(ctx)
		return "", apperrors.NotFound("session", cid)
	}
	s.uids[uid] = struct{}{}
	r.agents[uid] = a
	r.uidToCID[uid] = cid
	r.mu.Unlock()

	r.notifier.AgentCreated(ctx, uid, cid, req.Model)
	r.logger.Info("agent created",
		zap.String("uid", uid),
		zap.String("cid", cid),
		zap.String("model", req.Model))
	return uid, nil
}

// Agent looks up an agent by uid.
func (r *Registry) Agent(uid string) (*agent.Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[uid]
	return a, ok
}

// AgentsForSession returns the agents attached to cid.
func (r *Registry) AgentsForSession(cid string) []*agent.Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[cid]
	if !ok {
		return nil
	}
	agents := make([]*agent.Agent, 0, len(s.uids))
	for uid := range s.uids {
		if a, ok := r.agents[uid]; ok {
			agents = append(agents, a)
		}
	}
	return agents
}

// DestroyAgent tears an agent down: cancels any running invocation, closes
// the sandbox, and prunes per-uid log state. Idempotent; reports whether the
// uid existed.
func (r *Registry) DestroyAgent(ctx context.Context, uid string) bool {
	r.mu.Lock()
	a, ok := r.agents[uid]
	if !ok {
		r.mu.Unlock()
		return false
	}
	cid := r.uidToCID[uid]
	delete(r.agents, uid)
	delete(r.uidToCID, uid)
	if s, ok := r.sessions[cid]; ok {
		delete(s.uids, uid)
	}
	r.mu.Unlock()

	if iid, running := a.Running(); running {
		a.Cancel(iid)
	}
	a.Close(ctx)

	if r.store != nil {
		if err := r.store.PruneAgent(ctx, uid); err != nil {
			r.logger.Warn("failed to prune agent logs",
				zap.String("uid", uid), zap.Error(err))
		}
	}

	r.notifier.AgentDestroyed(ctx, uid, cid)
	r.logger.Info("agent destroyed", zap.String("uid", uid), zap.String("cid", cid))
	return true
}

// DeregisterSession destroys every agent in the session, then removes it.
// Idempotent.
func (r *Registry) DeregisterSession(ctx context.Context, cid string) {
	r.mu.Lock()
	s, ok := r.sessions[cid]
	var uids []string
	if ok {
		for uid := range s.uids {
			uids = append(uids, uid)
		}
		delete(r.sessions, cid)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	// Agents tear down independently; sandbox shutdown can be slow, so
	// destroy them in parallel with a bounded fan-out.
	var g errgroup.Group
	g.SetLimit(8)
	for _, uid := range uids {
		uid := uid
		g.Go(func() error {
			r.DestroyAgent(ctx, uid)
			return nil
		})
	}
	_ = g.Wait()
	r.notifier.SessionDeregistered(ctx, cid)
	r.logger.Info("session deregistered",
		zap.String("cid", cid), zap.Int("agents", len(uids)))
}

// Close destroys every session. Used on server shutdown.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	cids := make([]string, 0, len(r.sessions))
	for cid := range r.sessions {
		cids = append(cids, cid)
	}
	r.mu.Unlock()
	for _, cid := range cids {
		r.DeregisterSession(ctx, cid)
	}
}
