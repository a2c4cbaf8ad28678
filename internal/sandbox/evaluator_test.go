package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/Formamorph/internal/models"
)

func testStats() []models.Stat {
	return []models.Stat{
		{ID: "str", Name: "Strength", Min: 0, Max: 100, Value: 40},
		{ID: "hp", Name: "Health", Min: 0, Max: 50, Value: 10},
	}
}

func TestEvaluateBlankCode(t *testing.T) {
	res := NewEvaluator().Evaluate(context.Background(), "   ", testStats(), testStats()[1])
	assert.Nil(t, res.Value)
	assert.Empty(t, res.Error)
}

func TestEvaluateClampsToTargetRange(t *testing.T) {
	tests := []struct {
		name string
		code string
		want float64
	}{
		{"uses other stats", `return stats.find(s => s.id === 'str').value / 2;`, 20},
		{"clamped to max", `return 999;`, 50},
		{"clamped to min", `return -5;`, 0},
		{"sees current id", `return currentStatId === 'hp' ? 7 : 1;`, 7},
	}
	ev := NewEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ev.Evaluate(context.Background(), tt.code, testStats(), testStats()[1])
			require.Empty(t, res.Error)
			require.NotNil(t, res.Value)
			assert.Equal(t, tt.want, *res.Value)
		})
	}
}

func TestEvaluateRejectsNonNumbers(t *testing.T) {
	ev := NewEvaluator()
	for _, code := range []string{`return "12";`, `return;`, `return NaN;`} {
		res := ev.Evaluate(context.Background(), code, testStats(), testStats()[1])
		assert.Nil(t, res.Value, code)
		assert.Equal(t, msgNotNumber, res.Error, code)
	}
}

func TestEvaluateThrownErrorDoesNotPanic(t *testing.T) {
	res := NewEvaluator().Evaluate(context.Background(), `throw new Error("boom");`, testStats(), testStats()[1])
	assert.Nil(t, res.Value)
	assert.Equal(t, "boom", res.Error)
}

func TestEvaluateInfiniteLoopTimesOut(t *testing.T) {
	ev := NewEvaluator(WithTimeout(50 * time.Millisecond))

	start := time.Now()
	res := ev.Evaluate(context.Background(), `while (true) {}`, testStats(), testStats()[1])

	assert.Nil(t, res.Value)
	assert.Equal(t, msgTimedOut, res.Error)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvaluateRunawayAllocationIsInterrupted(t *testing.T) {
	ev := NewEvaluator(WithTimeout(10*time.Second), WithMemoryLimit(16<<20))
	code := `
		var s = "x";
		for (var i = 0; i < 22; i++) { s += s; }
		var a = [];
		while (true) { a.push(s + a.length); }
	`

	start := time.Now()
	res := ev.Evaluate(context.Background(), code, testStats(), testStats()[1])

	assert.Nil(t, res.Value)
	assert.Equal(t, msgMemoryLimit, res.Error)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEvaluateMemoryLimitLeavesSmallScriptsAlone(t *testing.T) {
	ev := NewEvaluator(WithMemoryLimit(16 << 20))
	res := ev.Evaluate(context.Background(), `var a = []; for (var i = 0; i < 1000; i++) a.push(i); return a.length / 100;`, testStats(), testStats()[1])
	require.Empty(t, res.Error)
	require.NotNil(t, res.Value)
	assert.Equal(t, 10.0, *res.Value)
}

func TestEvaluateHasNoRequire(t *testing.T) {
	res := NewEvaluator().Evaluate(context.Background(), `return typeof require === 'undefined' ? 1 : 0;`, testStats(), testStats()[1])
	require.NotNil(t, res.Value)
	assert.Equal(t, 1.0, *res.Value)
}

func TestEvaluateDeterministic(t *testing.T) {
	code := `return Math.floor(Math.random() * 50) + (Date.now() % 1);`
	first := NewEvaluator(WithSeed(7)).Evaluate(context.Background(), code, testStats(), testStats()[1])
	second := NewEvaluator(WithSeed(7)).Evaluate(context.Background(), code, testStats(), testStats()[1])

	require.NotNil(t, first.Value)
	require.NotNil(t, second.Value)
	assert.Equal(t, *first.Value, *second.Value)
}

func TestEvaluateCapturesConsole(t *testing.T) {
	res := NewEvaluator().Evaluate(context.Background(), `console.log("checking", 3); return 1;`, testStats(), testStats()[1])
	require.Empty(t, res.Error)
	assert.Contains(t, res.Console, "checking 3")
}

func TestEvaluateRunawayRecursion(t *testing.T) {
	res := NewEvaluator().Evaluate(context.Background(), `function f(n) { return f(n + 1); } return f(0);`, testStats(), testStats()[1])
	assert.Nil(t, res.Value)
	assert.NotEmpty(t, res.Error)
}

func TestProcessStatCodeWritesOnlySuccesses(t *testing.T) {
	stats := testStats()
	stats[0].Code = `return 10;`
	stats[1].Code = `throw new Error("nope");`

	out, failures := NewEvaluator().ProcessStatCode(context.Background(), stats)

	assert.Equal(t, 10.0, out[0].Value)
	assert.Equal(t, 10.0, out[1].Value)
	assert.Equal(t, 40.0, stats[0].Value, "input must not be mutated")
	require.Len(t, failures, 1)
	assert.Equal(t, models.ID("hp"), failures[0].StatID)
}
