package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/llm"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/saves"
	"github.com/Corphon/Formamorph/internal/storage"
	"github.com/Corphon/Formamorph/internal/world"
)

// scriptedProvider 叙述、选项和属性请求各返回固定文本
type scriptedProvider struct {
	mu        sync.Mutex
	narration string
	choices   string
	stats     string
	gate      chan struct{}
}

func (p *scriptedProvider) Initialize(map[string]string) error { return nil }
func (p *scriptedProvider) GetName() string                    { return "scripted" }

func (p *scriptedProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	p.mu.Lock()
	text := p.narration
	gate := p.gate
	switch {
	case strings.HasPrefix(last, "Game text: "):
		text, gate = p.choices, nil
	case strings.HasPrefix(last, "Game events: "):
		text, gate = p.stats, nil
	}
	p.mu.Unlock()

	ch := make(chan llm.StreamResponse, 2)
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				ch <- llm.StreamResponse{Err: ctx.Err()}
				return
			}
		}
		ch <- llm.StreamResponse{Text: text}
		ch <- llm.StreamResponse{Done: true}
	}()
	return ch, nil
}

func newGameService(t *testing.T, provider llm.Provider) *GameService {
	t.Helper()
	catalog, err := world.NewCatalog("")
	require.NoError(t, err)

	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	saveService := saves.NewService(store)

	g := NewGameService(catalog, gameplay.NewOrchestrator(provider), saveService,
		WithSessionOptions(gameplay.WithPicker(func(int) int { return 0 })),
		WithTurnTimeout(5*time.Second),
	)
	t.Cleanup(func() {
		g.Close()
		saveService.Close()
		_ = store.Close()
	})
	return g
}

func defaultProvider() *scriptedProvider {
	return &scriptedProvider{
		narration: "You wake beside the cook pot.",
		choices:   "Stir the pot\nWalk to the mine",
		stats:     "Hunger: +5",
	}
}

func TestCreateSession(t *testing.T) {
	g := newGameService(t, defaultProvider())

	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale", Traits: []models.ID{"1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	view := s.View()
	assert.Equal(t, "Ember Vale", view.WorldName)
	require.Len(t, view.Traits, 1)
	assert.Equal(t, "Hearth Camp", view.Location.Name)
	assert.False(t, view.IsGameStarted)

	got, err := g.GetSession(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	list := g.ListSessions()
	require.Len(t, list, 1)
	assert.Equal(t, "ember-vale", list[0].WorldID)
}

func TestCreateSessionRejectsBadInput(t *testing.T) {
	g := newGameService(t, defaultProvider())

	_, err := g.CreateSession(CreateSessionRequest{})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = g.CreateSession(CreateSessionRequest{WorldID: "nowhere"})
	assert.True(t, apperrors.IsNotFoundError(err))

	_, err = g.CreateSession(CreateSessionRequest{WorldID: "ember-vale", Traits: []models.ID{"99"}})
	assert.True(t, apperrors.IsValidationError(err))

	_, err = g.GetSession("missing")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestActRunsTurn(t *testing.T) {
	g := newGameService(t, defaultProvider())
	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)

	err = g.Act(context.Background(), s.ID, "look around")
	assert.True(t, apperrors.IsValidationError(err), "only START GAME is accepted before the game starts")

	require.NoError(t, g.Act(context.Background(), s.ID, gameplay.StartAction))
	view := s.View()
	assert.True(t, view.IsGameStarted)
	assert.Equal(t, "You wake beside the cook pot.", view.GameplayText)
	assert.Equal(t, []string{"Stir the pot", "Walk to the mine"}, view.Choices)
	assert.Contains(t, view.VisibleEntities, "Cook Pot")

	hist, err := g.History(s.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, hist.PageCount)
	require.Len(t, hist.Messages, 2)
	assert.Equal(t, models.RoleUser, hist.Messages[0].Role)
}

func TestActAsyncPublishesCommit(t *testing.T) {
	p := defaultProvider()
	p.gate = make(chan struct{})
	g := newGameService(t, p)
	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)

	events, cancel := s.Events().Subscribe()
	defer cancel()

	require.NoError(t, g.ActAsync(s.ID, gameplay.StartAction))
	require.Eventually(t, s.Busy, time.Second, 5*time.Millisecond)

	err = g.ActAsync(s.ID, gameplay.StartAction)
	assert.True(t, apperrors.IsConflictError(err))
	assert.True(t, apperrors.IsConflictError(g.DeleteSession(s.ID)))

	close(p.gate)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == gameplay.EventCommitted {
				assert.Equal(t, s.ID, ev.SessionID)
				require.NotNil(t, ev.View)
				assert.True(t, ev.View.IsGameStarted)
				return
			}
		case <-deadline:
			t.Fatal("no committed event")
		}
	}
}

func TestSessionMutations(t *testing.T) {
	g := newGameService(t, defaultProvider())
	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)

	events, cancel := s.Events().Subscribe()
	defer cancel()

	require.NoError(t, g.ChangeLocation(s.ID, "2"))
	ev := <-events
	assert.Equal(t, gameplay.EventState, ev.Type)
	assert.Equal(t, "Old Mine", ev.View.Location.Name)

	require.NoError(t, g.ApplyTrait(s.ID, "2"))
	ev = <-events
	assert.Len(t, ev.View.Traits, 1)

	require.NoError(t, g.SetNotes(s.ID, "the hermit lies"))
	assert.Equal(t, "the hermit lies", s.View().Notes)

	assert.True(t, apperrors.IsNotFoundError(g.ChangeLocation(s.ID, "99")))
	assert.True(t, apperrors.IsNotFoundError(g.ApplyTrait("missing", "1")))
}

func TestRollbackThroughService(t *testing.T) {
	g := newGameService(t, defaultProvider())
	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, g.Act(ctx, s.ID, gameplay.StartAction))
	require.NoError(t, g.Act(ctx, s.ID, "Stir the pot"))
	require.Equal(t, 2, s.View().PageCount)
	require.Equal(t, 2.0, s.View().GameTime)

	ok, err := g.Rollback(s.ID, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1.0, s.View().GameTime)

	ok, err = g.Rollback(s.ID, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSaveLoadThroughService(t *testing.T) {
	g := newGameService(t, defaultProvider())
	ctx := context.Background()

	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)
	require.NoError(t, g.Act(ctx, s.ID, gameplay.StartAction))
	require.NoError(t, g.SaveGame(ctx, s.ID, "slot1"))

	fresh, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)
	found, err := g.LoadGame(ctx, fresh.ID, "slot1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, s.View().GameplayText, fresh.View().GameplayText)
	assert.True(t, fresh.View().IsGameStarted)

	found, err = g.LoadGame(ctx, fresh.ID, "nothing")
	require.NoError(t, err)
	assert.False(t, found)

	list, err := g.ListSaves(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ember Vale", list[0].WorldName)

	file, err := g.ExportSave(ctx, "slot1")
	require.NoError(t, err)
	assert.Equal(t, "slot1.json", file.FileName)

	require.NoError(t, g.ImportSave(ctx, "copy", file.Data))
	require.NoError(t, g.DeleteSave(ctx, "slot1"))
	assert.True(t, apperrors.IsNotFoundError(g.DeleteSave(ctx, "slot1")))

	list, err = g.ListSaves(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "copy", list[0].Name)
}

func TestDeleteSession(t *testing.T) {
	g := newGameService(t, defaultProvider())
	s, err := g.CreateSession(CreateSessionRequest{WorldID: "ember-vale"})
	require.NoError(t, err)

	require.NoError(t, g.DeleteSession(s.ID))
	assert.Empty(t, g.ListSessions())
	assert.True(t, apperrors.IsNotFoundError(g.DeleteSession(s.ID)))
}
