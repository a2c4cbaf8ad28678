package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestIDAcceptsNumbersAndStrings(t *testing.T) {
	var trait Trait
	err := json.Unmarshal([]byte(`{"id": 1712345678901, "name": "Strong",
		"statChanges": [{"statId": "hp", "value": 5, "type": "max"}, {"statId": 42, "value": 1, "type": "regen"}]}`), &trait)
	require.NoError(t, err)

	assert.Equal(t, ID("1712345678901"), trait.ID)
	assert.Equal(t, ID("hp"), trait.StatChanges[0].StatID)
	assert.Equal(t, ID("42"), trait.StatChanges[1].StatID)
}

func TestIDFromYAML(t *testing.T) {
	var loc Location
	require.NoError(t, yaml.Unmarshal([]byte("id: 7\nname: Cave\nentities: [1, wolf]\n"), &loc))

	assert.Equal(t, ID("7"), loc.ID)
	assert.Equal(t, []ID{"1", "wolf"}, loc.Entities)
}

func TestAssistantPayloadEncodeKeepsEmptyArrays(t *testing.T) {
	content := AssistantPayload{GameText: "You wake up."}.Encode()
	assert.Equal(t, `{"game_text":"You wake up.","choices":[],"stat_changes":[]}`, content)

	decoded, err := DecodeAssistantPayload(content)
	require.NoError(t, err)
	assert.Equal(t, "You wake up.", decoded.GameText)
}

func TestGameStateCloneIsDeep(t *testing.T) {
	idx := 1
	original := GameState{
		PlayerStats:        []Stat{{ID: "hp", Name: "Health", Max: 100, Value: 50, Descriptors: []Descriptor{{Threshold: 50, Description: "hurt"}}}},
		FullMessageHistory: []Message{{Role: RoleUser, Content: "look"}},
		Choices:            []string{"Run"},
		PreviousStateIndex: &idx,
	}

	clone := original.Clone()
	clone.PlayerStats[0].Value = 1
	clone.PlayerStats[0].Descriptors[0].Description = "changed"
	clone.FullMessageHistory[0].Content = "changed"
	clone.Choices[0] = "Hide"
	*clone.PreviousStateIndex = 9

	assert.Equal(t, 50.0, original.PlayerStats[0].Value)
	assert.Equal(t, "hurt", original.PlayerStats[0].Descriptors[0].Description)
	assert.Equal(t, "look", original.FullMessageHistory[0].Content)
	assert.Equal(t, "Run", original.Choices[0])
	assert.Equal(t, 1, *original.PreviousStateIndex)
}
