package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruche-ai/ruche/pkg/config"
	"github.com/ruche-ai/ruche/pkg/events"
	"github.com/ruche-ai/ruche/pkg/models"
	"github.com/ruche-ai/ruche/pkg/pipeline"
	"github.com/ruche-ai/ruche/pkg/scenario"
	"github.com/ruche-ai/ruche/pkg/store"
	"github.com/ruche-ai/ruche/pkg/store/inmem"
	"github.com/ruche-ai/ruche/pkg/toolbox"
)

type schedulerFixture struct {
	scheduler *Scheduler
	sessions  *inmem.SessionStore
	turns     *inmem.TurnStore
	audit     *inmem.AuditStore
	tools     *toolbox.Registry
	router    *events.Router
}

func testConfig(agent *config.AgentConfig, scenarios ...*models.Scenario) *config.Config {
	if agent == nil {
		agent = &config.AgentConfig{ID: "bot", Pipeline: "template"}
	}
	agent.TenantID = "acme"
	return &config.Config{
		System:    config.DefaultSystemConfig(),
		ACF:       config.DefaultACFConfig(),
		Navigator: config.DefaultNavigatorConfig(),
		Webhooks:  config.DefaultWebhookConfig(),
		Agents: config.NewAgentRegistry(map[string]*config.TenantConfig{
			"acme": {ID: "acme", Agents: map[string]*config.AgentConfig{"bot": agent}},
		}),
		Scenarios: config.NewScenarioRegistry(scenarios),
	}
}

func newFixture(t *testing.T, cfg *config.Config, pipelines *pipeline.Registry) *schedulerFixture {
	t.Helper()
	sessions := inmem.NewSessionStore()
	turns := inmem.NewTurnStore()
	audit := inmem.NewAuditStore()

	router := events.NewRouter(events.RouterOptions{Audit: audit})
	router.Start(context.Background())
	t.Cleanup(router.Stop)

	if pipelines == nil {
		pipelines = pipeline.NewRegistry()
		pipelines.Register(pipeline.NewTemplatePipeline())
	}
	tools := toolbox.NewRegistry()
	executor := toolbox.NewExecutor(tools, turns, router, nil)
	nav := scenario.NewNavigator(cfg.Navigator, pipeline.NewHashingEmbedder(128), nil, nil)

	sched := New(Options{
		Config:    cfg,
		PodID:     "pod-test",
		Sessions:  sessions,
		Turns:     turns,
		Router:    router,
		Pipelines: pipelines,
		Tools:     executor,
		Navigator: nav,
	})
	return &schedulerFixture{
		scheduler: sched,
		sessions:  sessions,
		turns:     turns,
		audit:     audit,
		tools:     tools,
		router:    router,
	}
}

func (f *schedulerFixture) seedSession(t *testing.T, key models.SessionKey) *models.SessionState {
	t.Helper()
	state := &models.SessionState{
		Key:            key,
		TenantID:       "acme",
		AgentID:        "bot",
		InterlocutorID: "u1",
		Channel:        "web",
		Status:         models.SessionStatusActive,
	}
	created, _, err := f.sessions.CreateIfAbsent(context.Background(), state)
	require.NoError(t, err)
	return created
}

func (f *schedulerFixture) enqueue(t *testing.T, key models.SessionKey, text string) string {
	t.Helper()
	turnID, err := f.turns.EnqueueMessage(context.Background(), key, &models.RawMessage{
		TenantID:      "acme",
		AgentID:       "bot",
		Channel:       "web",
		ChannelUserID: "u1",
		ContentType:   models.ContentTypeText,
		Text:          text,
		ReceivedAt:    time.Now().UTC(),
	})
	require.NoError(t, err)
	return turnID
}

func (f *schedulerFixture) auditTypes(t *testing.T, filter store.AuditFilter) []string {
	t.Helper()
	recorded, err := f.audit.List(context.Background(), filter)
	require.NoError(t, err)
	types := make([]string, 0, len(recorded))
	for _, e := range recorded {
		types = append(types, e.Type)
	}
	return types
}

func TestRunTurn_Commits(t *testing.T) {
	f := newFixture(t, testConfig(nil), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)
	assert.Len(t, stored.Messages, 1)

	session, err := f.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, session.TurnCount)
	assert.Equal(t, int64(2), session.Version, "commit bumps the session version once")
	assert.False(t, session.LastTurnAt.IsZero())

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventMutexAcquired)
	assert.Contains(t, types, events.EventTurnStarted)
	assert.Contains(t, types, events.EventTurnMessageAbsorbed)
	assert.Contains(t, types, events.EventTurnCompleted)
}

func TestRunTurn_AggregatesBatch(t *testing.T) {
	f := newFixture(t, testConfig(nil), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	first := f.enqueue(t, key, "part one")
	second := f.enqueue(t, key, "part two")
	assert.Equal(t, first, second, "pending batch shares one provisional turn id")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	assert.Equal(t, first, turn.ID)
	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)
	assert.Len(t, stored.Messages, 2)
}

func TestRunTurn_WindowAbsorbsLateMessages(t *testing.T) {
	cfg := testConfig(nil)
	cfg.ACF.Aggregation.PerChannelOverrides["web"] = 60
	f := newFixture(t, cfg, nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "first")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)

	// The second message lands inside the open aggregation window.
	go func() {
		time.Sleep(15 * time.Millisecond)
		_, _ = f.turns.EnqueueMessage(context.Background(), key, &models.RawMessage{
			TenantID:      "acme",
			AgentID:       "bot",
			Channel:       "web",
			ChannelUserID: "u1",
			ContentType:   models.ContentTypeText,
			Text:          "second",
			ReceivedAt:    time.Now().UTC(),
		})
	}()
	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)
	assert.Len(t, stored.Messages, 2)
}

type failingPipeline struct{}

func (failingPipeline) Name() string { return "template" }
func (failingPipeline) RunTurn(context.Context, *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	return nil, errors.New("brain melted")
}

func TestRunTurn_PipelineErrorFailsTurn(t *testing.T) {
	pipelines := pipeline.NewRegistry()
	pipelines.Register(failingPipeline{})
	f := newFixture(t, testConfig(nil), pipelines)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateFailed, stored.State)
	assert.Equal(t, "pipeline_error", stored.ErrorCode)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventTurnFailed)
}

func TestRunTurn_CancelledTurnIsSuperseded(t *testing.T) {
	f := newFixture(t, testConfig(nil), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	_, accepted, err := f.turns.RequestCancel(context.Background(), key)
	require.NoError(t, err)
	require.True(t, accepted)

	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateSuperseded, stored.State)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventSupersedeExecuted)
	assert.Contains(t, types, events.EventTurnSuperseded)

	// A superseded turn leaves no trace on the session state.
	session, err := f.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 0, session.TurnCount)
}

type toolPipeline struct {
	store    store.TurnStore
	key      models.SessionKey
	accepted *bool
}

func (toolPipeline) Name() string { return "template" }

func (p toolPipeline) RunTurn(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	if _, err := tc.Tools.Execute(ctx, "charge", map[string]any{"amount": 5}, "order-42"); err != nil {
		return nil, err
	}
	// A supersede arriving after the commit point must be refused.
	_, accepted, err := p.store.RequestCancel(ctx, p.key)
	if err != nil {
		return nil, err
	}
	*p.accepted = accepted
	return &pipeline.TurnResult{State: tc.Session}, nil
}

func TestRunTurn_CommitPointBlocksSupersede(t *testing.T) {
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	accepted := true
	pipelines := pipeline.NewRegistry()

	f := newFixture(t, testConfig(nil), pipelines)
	pipelines.Register(toolPipeline{store: f.turns, key: key, accepted: &accepted})
	f.tools.Register(&toolbox.Tool{
		ID:               "charge",
		SideEffectPolicy: models.SideEffectIrreversible,
		Handler: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"ok": true}, nil
		},
	})
	f.seedSession(t, key)
	f.enqueue(t, key, "charge me")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	assert.False(t, accepted, "cancel after commit point must be refused")

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)
	assert.True(t, stored.CommitReached)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventToolAuthorized)
	assert.Contains(t, types, events.EventToolExecuted)
	assert.Contains(t, types, events.EventCommitReached)
}

func TestRunTurn_EntersScenario(t *testing.T) {
	sc := &models.Scenario{
		ID:          "onboarding",
		Version:     1,
		EntryStepID: "welcome",
		Steps: []*models.Step{
			{
				ID:             "welcome",
				Name:           "wants to sign up",
				PromptTemplate: "Welcome aboard!",
				Transitions: []models.Transition{
					{ToStepID: "done", ConditionText: "done"},
				},
			},
			{ID: "done", Name: "Done", IsTerminal: true},
		},
	}
	agent := &config.AgentConfig{ID: "bot", Pipeline: "template", Scenarios: []string{"onboarding"}}
	f := newFixture(t, testConfig(agent, sc), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "wants to sign up")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	session, err := f.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", session.ActiveScenarioID)
	assert.Equal(t, "welcome", session.ActiveStepID)
	require.NotEmpty(t, session.StepHistory)
	assert.Equal(t, "enter", session.StepHistory[0].Reason)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventSessionStepEntered)
}

func TestSweepIdle_WalksSessionsToClosed(t *testing.T) {
	f := newFixture(t, testConfig(nil), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	session := f.seedSession(t, key)

	stale := session.Clone()
	stale.LastTurnAt = time.Now().Add(-3 * f.scheduler.cfg.ACF.Scheduler.SessionIdleTimeout)
	require.NoError(t, f.sessions.CompareAndSwap(context.Background(), stale, stale.Version))

	f.scheduler.sweepIdle(context.Background())
	current, err := f.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusIdle, current.Status)

	f.scheduler.sweepIdle(context.Background())
	current, err = f.sessions.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusClosed, current.Status)

	types := f.auditTypes(t, store.AuditFilter{SessionKey: key})
	assert.Contains(t, types, events.EventSessionIdle)
	assert.Contains(t, types, events.EventSessionClosed)
}

type flakyPipeline struct {
	calls *int
	fail  int // attempts that fail before succeeding
	err   error
}

func (flakyPipeline) Name() string { return "template" }

func (p flakyPipeline) RunTurn(_ context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	*p.calls++
	if *p.calls <= p.fail {
		return nil, p.err
	}
	return &pipeline.TurnResult{State: tc.Session}, nil
}

func TestRunTurn_RetriesTransientFailure(t *testing.T) {
	calls := 0
	pipelines := pipeline.NewRegistry()
	pipelines.Register(flakyPipeline{
		calls: &calls,
		fail:  1,
		err:   pipeline.Retryable(errors.New("provider 503")),
	})
	cfg := testConfig(nil)
	cfg.ACF.Scheduler.TurnRetryBackoff = time.Millisecond
	f := newFixture(t, cfg, pipelines)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	assert.Equal(t, 2, calls)
	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventTurnRetried)
	assert.Contains(t, types, events.EventTurnCompleted)
}

func TestRunTurn_RetriesExhaust(t *testing.T) {
	calls := 0
	pipelines := pipeline.NewRegistry()
	pipelines.Register(flakyPipeline{
		calls: &calls,
		fail:  100,
		err:   pipeline.Retryable(errors.New("provider down")),
	})
	cfg := testConfig(nil)
	cfg.ACF.Scheduler.TurnRetryBackoff = time.Millisecond
	f := newFixture(t, cfg, pipelines)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	// Initial attempt plus TurnMaxRetries.
	assert.Equal(t, 1+cfg.ACF.Scheduler.TurnMaxRetries, calls)
	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateFailed, stored.State)
	assert.Equal(t, "provider_error", stored.ErrorCode)
}

func TestRunTurn_ViolationIsNeverRetried(t *testing.T) {
	calls := 0
	pipelines := pipeline.NewRegistry()
	pipelines.Register(flakyPipeline{
		calls: &calls,
		fail:  100,
		err:   &pipeline.ViolationError{Policy: "content_safety", Err: errors.New("blocked")},
	})
	cfg := testConfig(nil)
	cfg.ACF.Scheduler.TurnRetryBackoff = time.Millisecond
	f := newFixture(t, cfg, pipelines)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "do something bad")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	assert.Equal(t, 1, calls)
	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateFailed, stored.State)
	assert.Equal(t, "policy_violation", stored.ErrorCode)

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventEnforcementViolation)
	assert.NotContains(t, types, events.EventTurnRetried)
}

// cooperativePipeline polls the cancel flag the way a well-behaved pipeline
// must between steps.
type cooperativePipeline struct {
	turns store.TurnStore
	key   models.SessionKey
}

func (cooperativePipeline) Name() string { return "template" }

func (p cooperativePipeline) RunTurn(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	_, err := p.turns.EnqueueMessage(ctx, p.key, &models.RawMessage{
		TenantID:      "acme",
		AgentID:       "bot",
		Channel:       "web",
		ChannelUserID: "u1",
		ContentType:   models.ContentTypeText,
		Text:          "no wait, change of plans",
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < 200; i++ {
		if tc.CancelRequested(ctx) {
			return nil, pipeline.ErrAborted
		}
		time.Sleep(5 * time.Millisecond)
	}
	return nil, errors.New("cancel request never arrived")
}

func TestRunTurn_CancelInProgressSupersedes(t *testing.T) {
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	cfg := testConfig(nil)
	cfg.ACF.Concurrency.Strategy = config.StrategyCancelInProgress
	cfg.ACF.Scheduler.PollInterval = 5 * time.Millisecond
	pipelines := pipeline.NewRegistry()

	f := newFixture(t, cfg, pipelines)
	pipelines.Register(cooperativePipeline{turns: f.turns, key: key})
	f.seedSession(t, key)
	f.enqueue(t, key, "book the flight")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateSuperseded, stored.State)
	assert.NotEmpty(t, stored.SupersededBy)

	decisions, err := f.audit.List(context.Background(), store.AuditFilter{
		LogicalTurnID: turn.ID,
		EventType:     events.EventSupersedeDecision,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "allow", decisions[0].Payload["decision"])

	// The successor aggregates the old turn's messages with the late arrival.
	next, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	assert.Equal(t, stored.SupersededBy, next.ID)
	absorbed, err := f.turns.AbsorbPending(context.Background(), next.ID, key, 8)
	require.NoError(t, err)
	require.Len(t, absorbed, 2)
	assert.Equal(t, "book the flight", absorbed[0].Text)
	assert.Equal(t, "no wait, change of plans", absorbed[1].Text)
}

// latePipeline enqueues a follow-up message mid-run and lingers long enough
// for the supersede monitor to notice it.
type latePipeline struct {
	turns store.TurnStore
	key   models.SessionKey
}

func (latePipeline) Name() string { return "template" }

func (p latePipeline) RunTurn(ctx context.Context, tc *pipeline.TurnContext) (*pipeline.TurnResult, error) {
	_, err := p.turns.EnqueueMessage(ctx, p.key, &models.RawMessage{
		TenantID:      "acme",
		AgentID:       "bot",
		Channel:       "web",
		ChannelUserID: "u1",
		ContentType:   models.ContentTypeText,
		Text:          "actually, wait",
		ReceivedAt:    time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	time.Sleep(60 * time.Millisecond)
	if !tc.HasPendingMessages(ctx) {
		return nil, errors.New("expected pending messages behind the running turn")
	}
	return &pipeline.TurnResult{State: tc.Session}, nil
}

func TestRunTurn_RoundRobinQueuesLateArrival(t *testing.T) {
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	cfg := testConfig(nil)
	cfg.ACF.Scheduler.PollInterval = 5 * time.Millisecond
	pipelines := pipeline.NewRegistry()

	f := newFixture(t, cfg, pipelines)
	pipelines.Register(latePipeline{turns: f.turns, key: key})
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	f.scheduler.runTurn(context.Background(), turn, 0)

	// Under GROUP_ROUND_ROBIN the running turn finishes untouched.
	stored, err := f.turns.Get(context.Background(), turn.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)

	decisions, err := f.audit.List(context.Background(), store.AuditFilter{
		LogicalTurnID: turn.ID,
		EventType:     events.EventSupersedeDecision,
	})
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, "queued", decisions[0].Payload["decision"])

	types := f.auditTypes(t, store.AuditFilter{LogicalTurnID: turn.ID})
	assert.Contains(t, types, events.EventSupersedeRequested)

	// The late arrival forms the next turn once the mutex is free.
	next, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	assert.NotEqual(t, turn.ID, next.ID)
	assert.Equal(t, key, next.SessionKey)
}

func TestRunTurn_OrphanedTurnIsReplayable(t *testing.T) {
	f := newFixture(t, testConfig(nil), nil)
	key := models.NewSessionKey("acme", "bot", "u1", "web")
	f.seedSession(t, key)
	f.enqueue(t, key, "hello")

	turn, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	_, err = f.turns.AbsorbPending(context.Background(), turn.ID, key, 8)
	require.NoError(t, err)
	require.NoError(t, f.turns.MarkRunning(context.Background(), turn))

	requeued, err := f.turns.RequeueOrphans(context.Background(), time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, []string{turn.ID}, requeued)

	// The released messages form a fresh turn that commits normally.
	next, err := f.turns.ClaimNext(context.Background(), "pod-test")
	require.NoError(t, err)
	assert.NotEqual(t, turn.ID, next.ID)
	f.scheduler.runTurn(context.Background(), next, 0)

	stored, err := f.turns.Get(context.Background(), next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TurnStateCommitted, stored.State)
	assert.Len(t, stored.Messages, 1)
}
