package saves

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/Formamorph/internal/errors"
	"github.com/Corphon/Formamorph/internal/gameplay"
	"github.com/Corphon/Formamorph/internal/models"
	"github.com/Corphon/Formamorph/internal/storage"
)

var (
	t0 = time.Date(2026, time.May, 1, 9, 0, 0, 0, time.UTC)
	t1 = t0.Add(time.Minute)
	t2 = t0.Add(2 * time.Minute)
)

func testWorld() *models.World {
	return &models.World{
		ID:       "vale",
		Overview: models.WorldOverview{Name: "Vale"},
		Stats:    []models.Stat{{ID: "hp", Name: "Health", Min: 0, Max: 100, Value: 80}},
		Locations: []models.Location{
			{ID: "camp", Name: "Camp"},
			{ID: "cave", Name: "Cave"},
		},
	}
}

func newTestSession(t *testing.T, at time.Time) *gameplay.Session {
	t.Helper()
	return gameplay.NewSession("s-"+at.Format("150405"), testWorld(), nil,
		gameplay.WithClock(func() time.Time { return at }),
		gameplay.WithPicker(func(int) int { return 0 }),
	)
}

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	svc := NewService(store, WithWorker(NewWorker(2, 4)))
	t.Cleanup(func() {
		svc.Close()
		_ = store.Close()
	})
	return svc, store
}

func messages(n int) []models.Message {
	out := make([]models.Message, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, models.Message{Role: models.RoleUser, Content: "act"})
		} else {
			out = append(out, models.Message{Role: models.RoleAssistant, Content: models.AssistantPayload{GameText: "text"}.Encode()})
		}
	}
	return out
}

func playedState() (models.GameState, []models.GameState) {
	snap := func(n int, at time.Time, gameTime float64) models.GameState {
		return models.GameState{
			PlayerStats:        []models.Stat{{ID: "hp", Name: "Health", Min: 0, Max: 100, Value: 80 - gameTime}},
			FullMessageHistory: messages(n),
			GameTime:           gameTime,
			LocationID:         "camp",
			IsGameStarted:      true,
			Timestamp:          at,
			WorldName:          "Vale",
			StateVersion:       CurrentVersion,
		}
	}
	current := models.GameState{
		PlayerStats:        []models.Stat{{ID: "hp", Name: "Health", Min: 0, Max: 120, Value: 55}},
		PlayerTraits:       []models.Trait{{ID: "t", Name: "Tough", StatChanges: []models.StatChange{{StatID: "hp", Value: 20, Type: models.StatChangeMax}}}},
		VisibleEntities:    []string{"Wolf"},
		LogEntries:         []models.LogEntry{{Text: "Entered new location: Cave", GameTime: 1, Repeat: 2}},
		GameplayText:       "A wolf growls.",
		LocationID:         "cave",
		GameTime:           2,
		FullMessageHistory: messages(4),
		CharacterData:      json.RawMessage(`{"name":"Ayla"}`),
		Choices:            []string{"Run", "Fight"},
		IsGameStarted:      true,
		PlayerNotes:        "find the key",
	}
	return current, []models.GameState{snap(2, t0, 1), snap(4, t1, 2)}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	orig := newTestSession(t, t2)
	current, snaps := playedState()
	require.NoError(t, orig.Restore(current, snaps))
	want := orig.CurrentState()
	wantSnaps := orig.Snapshots()

	require.NoError(t, svc.Save(ctx, "slot", orig))
	assert.Equal(t, `Game saved as "slot"`, lastLog(orig))

	loaded := newTestSession(t, t2)
	found, err := svc.Load(ctx, "slot", loaded)
	require.NoError(t, err)
	require.True(t, found)

	got := loaded.CurrentState()
	require.NotEmpty(t, got.LogEntries)
	assert.Equal(t, `Game loaded from "slot"`, got.LogEntries[len(got.LogEntries)-1].Text)
	got.LogEntries = got.LogEntries[:len(got.LogEntries)-1]

	assert.Equal(t, want, got)
	assert.Equal(t, wantSnaps, loaded.Snapshots())
	require.NotNil(t, loaded.View().Location)
	assert.Equal(t, "Cave", loaded.View().Location.Name)
}

func TestSaveOverwritesExistingName(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	first := newTestSession(t, t0)
	require.NoError(t, svc.Save(ctx, "slot", first))

	second := newTestSession(t, t1)
	current, snaps := playedState()
	require.NoError(t, second.Restore(current, snaps))
	require.NoError(t, svc.Save(ctx, "slot", second))

	list, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, t1, list[0].Timestamp)
	assert.Equal(t, 2.0, list[0].GameTime)
}

func TestLoadMissingSave(t *testing.T) {
	svc, _ := newTestService(t)
	sess := newTestSession(t, t0)

	found, err := svc.Load(context.Background(), "nothing", sess)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, "No save data found", lastLog(sess))
}

func TestSaveRejectsEmptyName(t *testing.T) {
	svc, _ := newTestService(t)
	err := svc.Save(context.Background(), "  ", newTestSession(t, t0))
	assert.True(t, apperrors.IsValidationError(err))
}

func TestLoadRejectedWhileTurnInProgressLeavesSessionAlone(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Save(ctx, "slot", newTestSession(t, t0)))

	busy := &busySession{Session: newTestSession(t, t1)}
	found, err := svc.Load(ctx, "slot", busy)
	assert.False(t, found)
	assert.True(t, apperrors.IsConflictError(err))
}

type busySession struct {
	*gameplay.Session
}

func (b *busySession) Restore(models.GameState, []models.GameState) error {
	return apperrors.NewConflictError("a turn is in progress", nil)
}

func (b *busySession) Checkpoint() (models.GameState, []models.GameState, error) {
	return models.GameState{}, nil, apperrors.NewConflictError("a turn is in progress", nil)
}

func TestSaveRejectedWhileTurnInProgress(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	busy := &busySession{Session: newTestSession(t, t0)}
	assert.True(t, apperrors.IsConflictError(svc.Save(ctx, "slot", busy)))
	_, err := store.Get(ctx, "slot")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = svc.ExportSession(ctx, "", busy)
	assert.True(t, apperrors.IsConflictError(err))
}

func legacySave() []byte {
	state := func(n int, at time.Time, nested ...map[string]any) map[string]any {
		m := map[string]any{
			"playerStats":        []any{map[string]any{"id": 1, "name": "Health", "min": 0, "max": 100, "value": 70}},
			"fullMessageHistory": messages(n),
			"gameTime":           float64(n / 2),
			"locationId":         "cave",
			"isGameStarted":      true,
			"timestamp":          at.Format(time.RFC3339Nano),
			"worldName":          "Vale",
		}
		if nested != nil {
			m["gameStates"] = nested
		}
		return m
	}
	s1 := state(2, t0)
	s1copy := state(2, t0)
	s2 := state(4, t1, s1copy)
	root := state(6, t2, s1, s2, nil)
	data, _ := json.Marshal(root)
	return data
}

func TestMigrateFlattensLegacyNesting(t *testing.T) {
	data := legacySave()
	before := append([]byte(nil), data...)

	record, err := Migrate(data)
	require.NoError(t, err)
	assert.Equal(t, before, data, "input must not be modified")

	assert.Equal(t, CurrentVersion, record.Version)
	assert.Equal(t, CurrentVersion, record.CurrentState.StateVersion)
	assert.Len(t, record.CurrentState.FullMessageHistory, 6)
	assert.Equal(t, models.ID("1"), record.CurrentState.PlayerStats[0].ID)

	require.Len(t, record.StateHistory, 2)
	assert.Len(t, record.StateHistory[0].FullMessageHistory, 2)
	assert.Equal(t, t0, record.StateHistory[0].Timestamp)
	assert.Len(t, record.StateHistory[1].FullMessageHistory, 4)
	assert.Equal(t, t1, record.StateHistory[1].Timestamp)
	for _, st := range record.StateHistory {
		assert.Equal(t, CurrentVersion, st.StateVersion)
	}
}

func TestMigrateLeavesGapsForMissingPages(t *testing.T) {
	data, err := json.Marshal(map[string]any{
		"fullMessageHistory": messages(6),
		"gameStates": []any{
			map[string]any{"fullMessageHistory": messages(6), "timestamp": t2.Format(time.RFC3339)},
		},
	})
	require.NoError(t, err)

	record, err := Migrate(data)
	require.NoError(t, err)
	require.Len(t, record.StateHistory, 3)
	assert.True(t, record.StateHistory[0].Timestamp.IsZero())
	assert.True(t, record.StateHistory[1].Timestamp.IsZero())
	assert.Equal(t, t2, record.StateHistory[2].Timestamp)
}

func TestLoadLegacySaveMigratesInMemoryOnly(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	data := legacySave()
	require.NoError(t, svc.Import(ctx, "old", data))

	sess := newTestSession(t, t2)
	found, err := svc.Load(ctx, "old", sess)
	require.NoError(t, err)
	require.True(t, found)

	assert.Len(t, sess.Snapshots(), 2)
	state := sess.CurrentState()
	assert.Len(t, state.FullMessageHistory, 6)
	assert.Equal(t, 70.0, state.PlayerStats[0].Value)
	assert.Equal(t, "Cave", sess.View().Location.Name)

	stored, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, data, stored)

	logs := state.LogEntries
	require.GreaterOrEqual(t, len(logs), 2)
	assert.Equal(t, ConversionMigrated.Notice(), logs[len(logs)-2].Text)
	assert.Equal(t, `Game loaded from "old"`, logs[len(logs)-1].Text)

	rolled, err := sess.Rollback(1)
	require.NoError(t, err)
	assert.True(t, rolled)
	assert.Len(t, sess.CurrentState().FullMessageHistory, 2)
}

func TestLegacyConversionFailureLoadsRootOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Import(ctx, "broken", []byte(`{"gameplayText":"hi","gameTime":3,"locationId":"nowhere","gameStates":[1,2]}`)))

	sess := newTestSession(t, t0)
	found, err := svc.Load(ctx, "broken", sess)
	require.NoError(t, err)
	require.True(t, found)

	assert.Empty(t, sess.Snapshots())
	state := sess.CurrentState()
	assert.Equal(t, "hi", state.GameplayText)
	assert.Equal(t, 3.0, state.GameTime)
	assert.Nil(t, sess.View().Location, "unknown location ids stay unset")

	logs := state.LogEntries
	require.GreaterOrEqual(t, len(logs), 2)
	assert.Equal(t, ConversionFailed.Notice(), logs[len(logs)-2].Text)
	assert.Equal(t, `Game loaded from "broken"`, logs[len(logs)-1].Text)
}

func TestLoadCurrentFormatHasNoConversionNotice(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Save(ctx, "slot", newTestSession(t, t0)))

	sess := newTestSession(t, t1)
	found, err := svc.Load(ctx, "slot", sess)
	require.NoError(t, err)
	require.True(t, found)

	for _, entry := range sess.CurrentState().LogEntries {
		assert.NotEqual(t, ConversionMigrated.Notice(), entry.Text)
		assert.NotEqual(t, ConversionFailed.Notice(), entry.Text)
	}
}

func TestImportRejectsNonObjects(t *testing.T) {
	svc, _ := newTestService(t)
	for _, body := range []string{`[]`, `"x"`, `null`, `{"version":7,"currentState":{}}`, `{`} {
		err := svc.Import(context.Background(), "bad", []byte(body))
		assert.True(t, apperrors.IsSaveFormatError(err), body)
	}
}

func TestListNewestFirstSkipsUnreadable(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)

	for name, at := range map[string]time.Time{"a": t0, "b": t2, "c": t1} {
		sess := newTestSession(t, at)
		require.NoError(t, svc.Save(ctx, name, sess))
	}
	require.NoError(t, svc.Import(ctx, "legacy", legacySave()))
	require.NoError(t, store.Put(ctx, "junk", []byte("not json")))

	list, err := svc.List(ctx)
	require.NoError(t, err)

	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"b", "legacy", "c", "a"}, names)
	assert.Equal(t, 1, list[1].Version)
	assert.Equal(t, "Vale", list[0].WorldName)
}

func TestDeleteAndExport(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	require.NoError(t, svc.Save(ctx, "slot", newTestSession(t, t0)))

	file, err := svc.Export(ctx, "slot")
	require.NoError(t, err)
	assert.Equal(t, "slot.json", file.FileName)
	assert.Contains(t, string(file.Data), "\n  \"version\": 2")

	require.NoError(t, svc.Delete(ctx, "slot"))
	assert.True(t, apperrors.IsNotFoundError(svc.Delete(ctx, "slot")))

	_, err = svc.Export(ctx, "slot")
	assert.True(t, apperrors.IsNotFoundError(err))
}

func TestExportSessionDefaultsFileName(t *testing.T) {
	svc, _ := newTestService(t)
	file, err := svc.ExportSession(context.Background(), "", newTestSession(t, t0))
	require.NoError(t, err)
	assert.Equal(t, DefaultExportName, file.FileName)

	record, err := DecodeRecord(file.Data)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, record.Version)
	assert.Equal(t, "Vale", record.CurrentState.WorldName)
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data string
		want Format
	}{
		{"current format", `{"version":2,"currentState":{},"stateHistory":[]}`, FormatV2},
		{"missing history", `{"version":2,"currentState":{}}`, FormatLegacy},
		{"null history", `{"version":2,"currentState":{},"stateHistory":null}`, FormatLegacy},
		{"missing current state", `{"version":2,"stateHistory":[]}`, FormatLegacy},
		{"nested states", `{"gameplayText":"x","gameStates":[]}`, FormatLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			format, err := Detect([]byte(tt.data))
			require.NoError(t, err)
			assert.Equal(t, tt.want, format)
		})
	}
}

func lastLog(s *gameplay.Session) string {
	logs := s.CurrentState().LogEntries
	if len(logs) == 0 {
		return ""
	}
	return logs[len(logs)-1].Text
}
