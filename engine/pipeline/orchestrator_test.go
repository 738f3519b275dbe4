package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contentflow/contentflow/engine/approval"
	"github.com/contentflow/contentflow/engine/config"
	"github.com/contentflow/contentflow/engine/ratelimit"
	"github.com/contentflow/contentflow/engine/recovery"
	"github.com/contentflow/contentflow/engine/session"
)

// =============================================================================
// TEST HARNESS
// =============================================================================

// memStore is an in-memory session.Store recording every save.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	saves    int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]session.Session)}
}

func (m *memStore) Save(s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.SessionID] = *s
	m.saves++
	return nil
}

func (m *memStore) Load(sessionID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, os.ErrNotExist)
	}
	return &s, nil
}

// stubStage is an Executor replaying a per-call function and recording
// every request it sees.
type stubStage struct {
	mu    sync.Mutex
	calls []Request
	fn    func(call int, req Request) (map[string]string, error)
}

func (s *stubStage) Execute(_ context.Context, req Request) (map[string]string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	n := len(s.calls)
	s.mu.Unlock()
	return s.fn(n, req)
}

func (s *stubStage) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func researchOutputs(version int) map[string]string {
	return map[string]string{
		"product_analysis": fmt.Sprintf("analysis v%d", version),
		"persona_library":  fmt.Sprintf("personas v%d", version),
		"content_strategy": fmt.Sprintf("strategy v%d", version),
	}
}

func okResearch() *stubStage {
	return &stubStage{fn: func(call int, _ Request) (map[string]string, error) {
		return researchOutputs(call), nil
	}}
}

func okGeneration() *stubStage {
	return &stubStage{fn: func(call int, _ Request) (map[string]string, error) {
		return map[string]string{"generated_content": fmt.Sprintf("draft v%d", call)}, nil
	}}
}

func okRefinement() *stubStage {
	return &stubStage{fn: func(call int, _ Request) (map[string]string, error) {
		return map[string]string{"final_content": fmt.Sprintf("final v%d", call)}, nil
	}}
}

func failingStage(err error) *stubStage {
	return &stubStage{fn: func(int, Request) (map[string]string, error) {
		return nil, err
	}}
}

// testConfig removes all real sleeping from the retry layers.
func testConfig(t *testing.T) *config.RunConfig {
	cfg := config.DefaultRunConfig()
	cfg.MinRequestGap = 0
	cfg.RequestsPerMinute = 100000
	cfg.StageRetryDelay = 0.001
	cfg.OutputDir = t.TempDir()
	cfg.SessionDir = t.TempDir()
	return cfg
}

type harness struct {
	orch       *Orchestrator
	store      *memStore
	research   *stubStage
	generation *stubStage
	refinement *stubStage
}

func newHarness(t *testing.T, cfg *config.RunConfig, approver approval.Approver) *harness {
	t.Helper()
	h := &harness{
		store:      newMemStore(),
		research:   okResearch(),
		generation: okGeneration(),
		refinement: okRefinement(),
	}
	orch, err := New(Options{
		Config:   cfg,
		Store:    h.store,
		Limiter:  NewLimiter(cfg, nil),
		Approver: approver,
		Executors: Executors{
			Research:   h.research,
			Generation: h.generation,
			Refinement: h.refinement,
		},
	})
	require.NoError(t, err)
	h.orch = orch
	return h
}

func approvals(n int) *approval.ScriptedApprover {
	responses := make([]approval.Response, n)
	for i := range responses {
		responses[i] = approval.Response{Decision: approval.DecisionApprove}
	}
	return &approval.ScriptedApprover{Responses: responses}
}

// =============================================================================
// CONSTRUCTION
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	cfg := testConfig(t)
	store := newMemStore()
	limiter := NewLimiter(cfg, nil)
	execs := Executors{Research: okResearch(), Generation: okGeneration(), Refinement: okRefinement()}

	tests := []struct {
		name    string
		opts    Options
		wantMsg string
	}{
		{"missing store", Options{Config: cfg, Limiter: limiter, Approver: approval.AutoApprover{}, Executors: execs}, "session store"},
		{"missing limiter", Options{Config: cfg, Store: store, Approver: approval.AutoApprover{}, Executors: execs}, "rate limiter"},
		{"missing approver", Options{Config: cfg, Store: store, Limiter: limiter, Executors: execs}, "approver"},
		{"missing executor", Options{Config: cfg, Store: store, Limiter: limiter, Approver: approval.AutoApprover{}}, "executors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 0
	_, err := New(Options{
		Config:    cfg,
		Store:     newMemStore(),
		Limiter:   NewLimiter(testConfig(t), nil),
		Approver:  approval.AutoApprover{},
		Executors: Executors{Research: okResearch(), Generation: okGeneration(), Refinement: okRefinement()},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_iterations")
}

// =============================================================================
// HAPPY PATH
// =============================================================================

func TestRun_AllApprovedCompletes(t *testing.T) {
	h := newHarness(t, testConfig(t), approvals(5))

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	sess := result.Session
	require.NotNil(t, sess)
	assert.True(t, sess.Gate1Approved)
	assert.True(t, sess.Gate2Approved)
	assert.True(t, sess.Gate3Approved)
	assert.True(t, sess.Gate4Approved)
	assert.True(t, sess.Gate5Approved)
	require.NotNil(t, sess.CompletedAt)

	assert.Equal(t, 1, sess.Stage1Iterations)
	assert.Equal(t, 1, sess.Stage2Iterations)
	assert.Equal(t, 1, sess.Stage3Iterations)

	assert.Equal(t, 1, h.research.callCount())
	assert.Equal(t, 1, h.generation.callCount())
	assert.Equal(t, 1, h.refinement.callCount())

	// One save per gate approval plus the completion save.
	assert.Equal(t, 6, h.store.saves)

	saved, err := h.store.Load(result.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, saved.CompletedAt)
}

func TestRun_AutoApproveSkipsReviewer(t *testing.T) {
	cfg := testConfig(t)
	cfg.AutoApprove = true
	// A scripted approver with no responses errors on first use, so a
	// completed run proves no review round-trip happened.
	h := newHarness(t, cfg, &approval.ScriptedApprover{})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
}

func TestRun_ArtifactsFlowBetweenStages(t *testing.T) {
	h := newHarness(t, testConfig(t), approvals(5))

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	require.Equal(t, 1, h.research.callCount())
	assert.Equal(t, "acme widget brief", h.research.calls[0].Inputs["input_sources"])

	require.Equal(t, 1, h.generation.callCount())
	genInputs := h.generation.calls[0].Inputs
	assert.Equal(t, "analysis v1", genInputs["product_analysis"])
	assert.Equal(t, "personas v1", genInputs["persona_library"])
	assert.Equal(t, "strategy v1", genInputs["content_strategy"])

	require.Equal(t, 1, h.refinement.callCount())
	assert.Equal(t, "draft v1", h.refinement.calls[0].Inputs["generated_content"])

	assert.Equal(t, "final v1", deref(result.Session.FinalContent))
}

// =============================================================================
// REJECTION
// =============================================================================

func TestRun_RejectedAtGate2(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionReject, Note: "personas look generic"},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusRejectedAt(2), result.Status)
	assert.Equal(t, "personas look generic", result.Feedback)

	sess := result.Session
	assert.True(t, sess.Gate1Approved)
	assert.False(t, sess.Gate2Approved)
	assert.False(t, sess.Gate3Approved)
	assert.False(t, sess.Gate4Approved)
	assert.False(t, sess.Gate5Approved)
	assert.Nil(t, sess.CompletedAt)

	// The rejected state is durably persisted.
	saved, err := h.store.Load(result.SessionID)
	require.NoError(t, err)
	assert.True(t, saved.Gate1Approved)
	assert.False(t, saved.Gate2Approved)

	assert.Equal(t, 0, h.generation.callCount())
	assert.Equal(t, 0, h.refinement.callCount())
}

func TestRun_RejectedAtGate5(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionReject, Note: "tone is off"},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusRejectedAt(5), result.Status)
	assert.True(t, result.Session.Gate4Approved)
	assert.False(t, result.Session.Gate5Approved)
}

// =============================================================================
// FEEDBACK LOOPS
// =============================================================================

func TestRun_FeedbackAtGate2RerunsWholeStage(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionApprove},                              // gate 1
		{Decision: approval.DecisionFeedback, Note: "add a CFO persona"},  // gate 2, triggers re-run
		{Decision: approval.DecisionApprove},                              // gate 2 second look
		{Decision: approval.DecisionApprove},                              // gate 3
		{Decision: approval.DecisionApprove},                              // gate 4
		{Decision: approval.DecisionApprove},                              // gate 5
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	require.Equal(t, 2, h.research.callCount())
	assert.Equal(t, "add a CFO persona", h.research.calls[1].Inputs[FeedbackKey])

	// The re-run overwrote every stage 1 artifact, not just the one
	// under review at gate 2.
	sess := result.Session
	assert.Equal(t, "analysis v2", deref(sess.ProductAnalysis))
	assert.Equal(t, "personas v2", deref(sess.PersonaLibrary))
	assert.Equal(t, "strategy v2", deref(sess.ContentStrategy))
	assert.Equal(t, 2, sess.Stage1Iterations)
}

func TestRun_FeedbackAtGate4RerunsGeneration(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionFeedback, Note: "shorter intro"},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	assert.Equal(t, 1, h.research.callCount())
	assert.Equal(t, 2, h.generation.callCount())
	assert.Equal(t, "shorter intro", h.generation.calls[1].Inputs[FeedbackKey])
	assert.Equal(t, "draft v2", deref(result.Session.GeneratedContent))
}

// =============================================================================
// ITERATION BUDGET
// =============================================================================

func TestRun_MaxIterationsAtGate1(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 1
	h := newHarness(t, cfg, &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionFeedback, Note: "try again"},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterations(1), result.Status)
	assert.Equal(t, 1, h.research.callCount())
	// The counter stops exactly at the budget.
	assert.Equal(t, 1, result.Session.Stage1Iterations)
	assert.Nil(t, result.Session.CompletedAt)
}

func TestRun_CounterNeverExceedsBudget(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 2
	h := newHarness(t, cfg, &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionFeedback, Note: "first pass"},
		{Decision: approval.DecisionFeedback, Note: "second pass"},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterations(1), result.Status)
	assert.Equal(t, 2, h.research.callCount())
	assert.Equal(t, 2, result.Session.Stage1Iterations)
}

func TestRun_MaxIterationsAtGate3(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 1
	h := newHarness(t, cfg, &approval.ScriptedApprover{Responses: []approval.Response{
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionApprove},
		{Decision: approval.DecisionFeedback, Note: "rework the strategy"},
	}})

	result, err := h.orch.Run(context.Background(), "acme widget brief")
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterations(3), result.Status)
	assert.Equal(t, 1, h.research.callCount())
	assert.True(t, result.Session.Gate1Approved)
	assert.True(t, result.Session.Gate2Approved)
	assert.False(t, result.Session.Gate3Approved)
}

// =============================================================================
// RESUME
// =============================================================================

func seedSession(t *testing.T, store *memStore, mutate func(*session.Session)) *session.Session {
	t.Helper()
	sess := session.New("seeded brief", false)
	mutate(sess)
	require.NoError(t, store.Save(sess))
	return sess
}

func TestResume_Gate3ApprovedSkipsResearch(t *testing.T) {
	h := newHarness(t, testConfig(t), approvals(2))
	seeded := seedSession(t, h.store, func(s *session.Session) {
		analysis, personas, strategy := "analysis v1", "personas v1", "strategy v1"
		s.ProductAnalysis = &analysis
		s.PersonaLibrary = &personas
		s.ContentStrategy = &strategy
		s.Gate1Approved = true
		s.Gate2Approved = true
		s.Gate3Approved = true
		s.Stage1Iterations = 1
	})

	result, err := h.orch.Resume(context.Background(), seeded.SessionID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, h.research.callCount())
	assert.Equal(t, 1, h.generation.callCount())
	assert.Equal(t, 1, h.refinement.callCount())
	// The seeded stage 1 artifacts fed stage 2 untouched.
	assert.Equal(t, "personas v1", h.generation.calls[0].Inputs["persona_library"])
}

func TestResume_Gate5ApprovedCompletesWithoutWork(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{})
	seeded := seedSession(t, h.store, func(s *session.Session) {
		final := "final v1"
		s.FinalContent = &final
		for gate := 1; gate <= session.GateCount; gate++ {
			s.ApproveGate(gate)
		}
	})

	result, err := h.orch.Resume(context.Background(), seeded.SessionID)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 0, h.research.callCount())
	assert.Equal(t, 0, h.generation.callCount())
	assert.Equal(t, 0, h.refinement.callCount())
}

func TestResume_SpentBudgetStopsBeforeExecuting(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxIterations = 3
	h := newHarness(t, cfg, &approval.ScriptedApprover{})
	seeded := seedSession(t, h.store, func(s *session.Session) {
		s.Stage1Iterations = 3
	})

	result, err := h.orch.Resume(context.Background(), seeded.SessionID)
	require.NoError(t, err)

	assert.Equal(t, StatusMaxIterations(1), result.Status)
	assert.Equal(t, 0, h.research.callCount())
}

func TestResume_UnknownSessionFails(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{})

	_, err := h.orch.Resume(context.Background(), "20990101_000000")
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestRun_EmptyInputRejectedBeforeAnyStage(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{})

	_, err := h.orch.Run(context.Background(), "   ")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "input sources")
	assert.Equal(t, 0, h.research.callCount())
	assert.Equal(t, 0, h.store.saves)
}

func TestRun_StageFailurePersistsSessionBeforePropagating(t *testing.T) {
	cfg := testConfig(t)
	cfg.StageRetries = 2
	h := newHarness(t, cfg, approvals(3))
	h.generation = failingStage(errors.New("template rendering blew up"))
	h.orch.execs.Generation = h.generation

	_, err := h.orch.Run(context.Background(), "acme widget brief")
	require.Error(t, err)

	var recErr *recovery.RecoveryError
	require.ErrorAs(t, err, &recErr)
	assert.Equal(t, 2, recErr.Attempts)
	assert.Equal(t, 2, h.generation.callCount())

	// Gates 1-3 survived to durable storage, so the run can resume.
	h.store.mu.Lock()
	require.Len(t, h.store.sessions, 1)
	for _, saved := range h.store.sessions {
		assert.True(t, saved.Gate3Approved)
		assert.False(t, saved.Gate4Approved)
	}
	h.store.mu.Unlock()
}

func TestRun_QuotaExhaustionPropagatesImmediately(t *testing.T) {
	cfg := testConfig(t)
	cfg.StageRetries = 3
	h := newHarness(t, cfg, &approval.ScriptedApprover{})
	h.research = failingStage(errors.New("429 RESOURCE_EXHAUSTED: quota exceeded for model"))
	h.orch.execs.Research = h.research

	_, err := h.orch.Run(context.Background(), "acme widget brief")
	require.Error(t, err)
	assert.True(t, ratelimit.IsQuotaExhausted(err))

	// Terminal for the provider: neither retry layer burned attempts.
	assert.Equal(t, 1, h.research.callCount())

	// The session still reached durable storage.
	assert.GreaterOrEqual(t, h.store.saves, 1)
}

func TestRun_MissingStageOutputFails(t *testing.T) {
	h := newHarness(t, testConfig(t), &approval.ScriptedApprover{})
	h.research = &stubStage{fn: func(int, Request) (map[string]string, error) {
		return map[string]string{"product_analysis": "analysis only"}, nil
	}}
	h.orch.execs.Research = h.research

	_, err := h.orch.Run(context.Background(), "acme widget brief")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "persona_library")
}

func TestRun_ReviewerErrorPersistsSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, testConfig(t), cancellingApprover{cancel: cancel})

	_, err := h.orch.Run(ctx, "acme widget brief")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.GreaterOrEqual(t, h.store.saves, 1)
}

// cancellingApprover simulates a user interrupt arriving at the
// reviewer decision point.
type cancellingApprover struct {
	cancel context.CancelFunc
}

func (a cancellingApprover) Review(ctx context.Context, _ approval.Request) (approval.Response, error) {
	a.cancel()
	return approval.Response{}, ctx.Err()
}
