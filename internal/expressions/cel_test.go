package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCEL_DefinitionOfDone(t *testing.T) {
	e := newCEL(t)
	data := map[string]any{
		VarState: map[string]any{"steps": 3, "current_agent": "critic"},
		VarResults: map[string]any{
			"critic": map[string]any{"approved": true},
		},
	}

	done, err := e.EvaluateBool(context.Background(),
		`state.steps >= 3 && "critic" in results && results.critic.approved == true`, data)
	require.NoError(t, err)
	assert.True(t, done)

	done, err = e.EvaluateBool(context.Background(), `state.current_agent == "planner"`, data)
	require.NoError(t, err)
	assert.False(t, done)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e := newCEL(t)
	done, err := e.EvaluateBool(context.Background(), `size(results) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCEL_CompileError(t *testing.T) {
	e := newCEL(t)
	err := e.Compile(`state.steps >=`)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	err = e.Compile(`undeclared.value == 1`)
	assert.Error(t, err)

	assert.Error(t, e.Compile(""))
}

func TestCEL_NonBoolResult(t *testing.T) {
	e := newCEL(t)
	_, err := e.EvaluateBool(context.Background(), `1 + 2`, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}

func TestCEL_RuntimeError(t *testing.T) {
	e := newCEL(t)
	_, err := e.Evaluate(context.Background(), `results.missing.field == 1`, nil)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeExecution))
}

func TestCEL_CachesPrograms(t *testing.T) {
	e := newCEL(t)
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.EvaluateBool(context.Background(), `state.turns > 1`, map[string]any{
				VarState: map[string]any{"turns": 2},
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, e.cache.len())
}
