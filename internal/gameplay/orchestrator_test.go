package gameplay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/utils"
)

// fakeProvider 按最后一条消息的前缀区分三类请求
type fakeProvider struct {
	mu        sync.Mutex
	narration []string
	choices   string
	stats     string
	fail      map[string]error
	gate      chan struct{}
	requests  []llm.CompletionRequest
}

func kindOf(req llm.CompletionRequest) string {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.HasPrefix(last, "Game text: "):
		return kindChoices
	case strings.HasPrefix(last, "Game events: "):
		return kindStatUpdates
	default:
		return kindNarration
	}
}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) GetName() string                    { return "fake" }

func (f *fakeProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	kind := kindOf(req)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.fail[kind]
	gate := f.gate
	var chunks []string
	switch kind {
	case kindNarration:
		chunks = f.narration
	case kindChoices:
		chunks = []string{f.choices}
	default:
		chunks = []string{f.stats}
	}
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan llm.StreamResponse, len(chunks)+1)
	push := func() {
		for _, c := range chunks {
			ch <- llm.StreamResponse{Text: c}
		}
		ch <- llm.StreamResponse{Done: true}
		close(ch)
	}
	if kind == kindNarration && gate != nil {
		go func() {
			<-gate
			push()
		}()
	} else {
		push()
	}
	return ch, nil
}

func (f *fakeProvider) requestsOf(kind string) []llm.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []llm.CompletionRequest
	for _, r := range f.requests {
		if kindOf(r) == kind {
			out = append(out, r)
		}
	}
	return out
}

func testWorld() *models.World {
	return &models.World{
		ID:       "vale",
		Overview: models.WorldOverview{Name: "Vale", SystemPrompt: "A misty valley."},
		Stats: []models.Stat{
			{ID: "hp", Name: "Health", Min: 0, Max: 100, Value: 80},
			{ID: "hu", Name: "Hunger", Min: 0, Max: 100, Value: 60},
			{ID: "st", Name: "Strength", Min: 0, Max: 100, Code: "return 42;"},
		},
		Locations: []models.Location{
			{ID: "camp", Name: "Camp", DetailedDescription: "A small camp.", Entities: []models.ID{"wolf"}},
			{ID: "cave", Name: "Cave", DetailedDescription: "Dark."},
		},
		Entities: []models.Entity{{ID: "wolf", Name: "Wolf", DetailedDescription: "Grey."}},
		Traits: []models.Trait{{ID: "tough", Name: "Tough", Description: "Hard to kill",
			StatChanges: []models.StatChange{{StatID: "hp", Value: 20, Type: models.StatChangeMax}}}},
	}
}

type fixture struct {
	provider *fakeProvider
	orch     *Orchestrator
	session  *Session
	now      *time.Time
	metrics  *utils.MetricsCollector
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	f := &fixture{
		provider: &fakeProvider{
			narration: []string{"A wolf ", "watches you."},
			choices:   "Run\nHide\n",
			stats:     "Health: -10\nHunger: -5",
			fail:      map[string]error{},
		},
		now:     &now,
		metrics: utils.NewMetricsCollector(),
	}
	f.orch = NewOrchestrator(f.provider, WithMetrics(utils.NewGameMetrics(f.metrics)))
	f.session = NewSession("s1", testWorld(), []models.ID{"tough"},
		WithClock(func() time.Time { return *f.now }),
		WithPicker(func(int) int { return 0 }),
	)
	return f
}

func (f *fixture) act(t *testing.T, action string) error {
	t.Helper()
	return f.orch.Act(context.Background(), f.session, action, models.DefaultSettings())
}

func TestNewSessionSetup(t *testing.T) {
	f := newFixture(t)
	v := f.session.View()

	require.NotNil(t, v.Location)
	assert.Equal(t, "Camp", v.Location.Name)
	assert.Equal(t, 120.0, v.Stats[0].Max)
	assert.Equal(t, 80.0, v.Stats[0].Value)

	var logs []string
	for _, e := range v.LogEntries {
		logs = append(logs, e.Text)
	}
	assert.Equal(t, []string{"Applied trait: Tough", "Entered new location: Camp", "Starting in location: Camp"}, logs)
}

func TestActBeforeStartIsRejected(t *testing.T) {
	f := newFixture(t)

	err := f.act(t, "look around")
	assert.True(t, apperrors.IsValidationError(err))
	assert.Zero(t, f.session.View().PageCount)
	assert.Empty(t, f.provider.requestsOf(kindNarration))
}

func TestActCommitsTurn(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.session.Events().Subscribe()
	defer cancel()

	require.NoError(t, f.act(t, StartAction))

	v := f.session.View()
	assert.True(t, v.IsGameStarted)
	assert.Equal(t, "A wolf watches you.", v.GameplayText)
	assert.Equal(t, []string{"Run", "Hide"}, v.Choices)
	assert.Equal(t, []string{"Wolf"}, v.VisibleEntities)
	assert.Equal(t, 1.0, v.GameTime)
	assert.Equal(t, 70.0, v.Stats[0].Value)
	assert.Equal(t, 55.0, v.Stats[1].Value)
	assert.Equal(t, 42.0, v.Stats[2].Value, "coded stat is evaluated before the turn")
	assert.Equal(t, map[string]float64{"health": -10, "hunger": -5}, v.RecentChanges)
	assert.Equal(t, TurnIdle, v.TurnState)
	assert.False(t, v.Busy)

	messages, _, pages := f.session.HistoryPage(1)
	require.Len(t, messages, 2)
	assert.Equal(t, 1, pages)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: StartAction}, messages[0])
	payload, err := models.DecodeAssistantPayload(messages[1].Content)
	require.NoError(t, err)
	assert.Equal(t, models.AssistantPayload{
		GameText:    "A wolf watches you.",
		Choices:     []string{"Run", "Hide"},
		StatChanges: []map[string]float64{{"Health": -10}, {"Hunger": -5}},
	}, payload)

	snaps := f.session.Snapshots()
	require.Len(t, snaps, 1)
	assert.Equal(t, 70.0, snaps[0].PlayerStats[0].Value)
	assert.Len(t, snaps[0].FullMessageHistory, 2)

	narrationReq := f.provider.requestsOf(kindNarration)[0]
	assert.Equal(t, []string{"\n"}, narrationReq.StopWords)
	assert.Equal(t, "Player action: START GAME", narrationReq.Messages[0].Content)
	assert.Contains(t, narrationReq.SystemPrompt, "A misty valley.")
	assert.Contains(t, narrationReq.SystemPrompt, "Strength: 42/100")
	assert.Equal(t, "Game text: A wolf watches you.", f.provider.requestsOf(kindChoices)[0].Messages[0].Content)
	assert.Equal(t, "Game events: A wolf watches you.", f.provider.requestsOf(kindStatUpdates)[0].Messages[0].Content)

	var types []EventType
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	assert.Equal(t, EventNarration, types[0])
	assert.Equal(t, EventCommitted, types[len(types)-1])
	assert.Contains(t, types, EventChoices)

	assert.Equal(t, int64(1), f.metrics.GetCounterValue("turns_committed"))
}

func TestRecentChangesExpire(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.act(t, StartAction))
	assert.NotEmpty(t, f.session.View().RecentChanges)

	*f.now = f.now.Add(RecentChangeTTL)
	assert.Empty(t, f.session.View().RecentChanges)
}

func TestTurnIsAtomicWhenStatRequestFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.act(t, StartAction))
	before := f.session.CurrentState()
	snapsBefore := f.session.Snapshots()

	f.provider.narration = []string{"The wolf lunges."}
	f.provider.fail[kindStatUpdates] = apperrors.NewTransportError(400, "bad request", nil)

	err := f.act(t, "fight")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransportError(err))

	after := f.session.CurrentState()
	assert.Equal(t, before.PlayerStats, after.PlayerStats)
	assert.Equal(t, before.PlayerTraits, after.PlayerTraits)
	assert.Equal(t, before.GameTime, after.GameTime)
	assert.Equal(t, snapsBefore, f.session.Snapshots())

	require.Len(t, after.FullMessageHistory, 3)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "fight"}, after.FullMessageHistory[2])
	assert.Equal(t, "The wolf lunges.", after.GameplayText)
	assert.Equal(t, MsgBadInput, after.LogEntries[len(after.LogEntries)-1].Text)

	// 重试同一动作不会重复用户消息
	delete(f.provider.fail, kindStatUpdates)
	require.NoError(t, f.act(t, "fight"))
	final := f.session.CurrentState()
	require.Len(t, final.FullMessageHistory, 4)
	assert.Equal(t, "fight", final.FullMessageHistory[2].Content)
	assert.Equal(t, models.RoleAssistant, final.FullMessageHistory[3].Role)
}

func TestFailedStartKeepsGameUnstarted(t *testing.T) {
	f := newFixture(t)
	f.provider.fail[kindNarration] = apperrors.NewTransportError(404, "missing", nil)

	require.Error(t, f.act(t, StartAction))
	v := f.session.View()
	assert.False(t, v.IsGameStarted)
	assert.Equal(t, MsgNotFound, v.LogEntries[len(v.LogEntries)-1].Text)
}

func TestEmptyNarrationFailsTurn(t *testing.T) {
	f := newFixture(t)
	f.provider.narration = []string{"   "}

	err := f.act(t, StartAction)
	assert.True(t, apperrors.IsTransportError(err))
	assert.Equal(t, MsgGeneric, UserFacingMessage(err))
	state := f.session.CurrentState()
	require.Len(t, state.FullMessageHistory, 1)
	assert.Equal(t, models.RoleUser, state.FullMessageHistory[0].Role)
}

func TestRollbackDiscardsFuture(t *testing.T) {
	f := newFixture(t)
	for _, action := range []string{StartAction, "look", "wait", "rest", "listen"} {
		require.NoError(t, f.act(t, action))
		*f.now = f.now.Add(time.Minute)
	}
	snaps := f.session.Snapshots()
	require.Len(t, snaps, 5)

	ok, err := f.session.Rollback(5)
	require.NoError(t, err)
	assert.False(t, ok, "the last page cannot be rolled back to")

	ok, err = f.session.Rollback(0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.session.Rollback(3)
	require.NoError(t, err)
	require.True(t, ok)

	want := snaps[2]
	state := f.session.CurrentState()
	assert.Len(t, state.FullMessageHistory, 6)
	assert.Equal(t, want.FullMessageHistory, state.FullMessageHistory)
	assert.Equal(t, want.GameTime, state.GameTime)
	assert.Equal(t, want.PlayerStats, state.PlayerStats)
	assert.Equal(t, want.GameplayText, state.GameplayText)
	assert.Equal(t, want.Choices, state.Choices)
	assert.Equal(t, want.LocationID, state.LocationID)
	require.NotEmpty(t, state.LogEntries)
	assert.Equal(t, want.LogEntries, state.LogEntries[:len(state.LogEntries)-1])
	assert.Equal(t, "Rolled back to previous game state", state.LogEntries[len(state.LogEntries)-1].Text)
	assert.Equal(t, snaps[:3], f.session.Snapshots())

	// 未来的页已丢弃，再回到更后面的页不生效
	for _, page := range []int{3, 4, 5} {
		ok, err = f.session.Rollback(page)
		require.NoError(t, err)
		assert.False(t, ok, "page %d", page)
	}
	assert.Equal(t, state, f.session.CurrentState())
	assert.Len(t, f.session.Snapshots(), 3)

	require.NoError(t, f.act(t, "run"))
	assert.Len(t, f.session.Snapshots(), 4)
	assert.Equal(t, 4, f.session.View().PageCount)
}

func TestConcurrentActionIsRejected(t *testing.T) {
	f := newFixture(t)
	f.provider.gate = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- f.act(t, StartAction) }()

	require.Eventually(t, f.session.Busy, time.Second, 5*time.Millisecond)

	assert.True(t, apperrors.IsConflictError(f.act(t, StartAction)))
	_, err := f.session.Rollback(1)
	assert.True(t, apperrors.IsConflictError(err))
	assert.True(t, apperrors.IsConflictError(f.session.ChangeLocation("cave")))
	assert.True(t, apperrors.IsConflictError(f.session.Restore(models.GameState{}, nil)))
	_, _, err = f.session.Checkpoint()
	assert.True(t, apperrors.IsConflictError(err))

	close(f.provider.gate)
	require.NoError(t, <-done)
	assert.False(t, f.session.Busy())
	assert.Len(t, f.provider.requestsOf(kindNarration), 1)
}

func TestNonEnglishPrompts(t *testing.T) {
	f := newFixture(t)
	settings := models.DefaultSettings()
	settings.Language = "French"
	settings.Shortform = false

	require.NoError(t, f.orch.Act(context.Background(), f.session, StartAction, settings))

	narration := f.provider.requestsOf(kindNarration)[0]
	assert.Nil(t, narration.StopWords)
	assert.True(t, strings.HasSuffix(narration.SystemPrompt, "\n Narration language: French"))
	assert.True(t, strings.HasSuffix(f.provider.requestsOf(kindChoices)[0].SystemPrompt, "\n Choice language: French"))
	assert.True(t, strings.HasSuffix(f.provider.requestsOf(kindStatUpdates)[0].SystemPrompt, "\n Please write in english"))
}
