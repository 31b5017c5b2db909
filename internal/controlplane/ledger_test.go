package controlplane

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbook/pkg/schema"
)

func TestRecordMeteringEvent_QueryFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	record := func(run, tenant, ws, provider string, qty float64) {
		t.Helper()
		f.clock.Advance(time.Second)
		_, err := f.reg.RecordMeteringEvent(ctx, MeteringEvent{
			RunID:       run,
			TenantID:    tenant,
			WorkspaceID: ws,
			Provider:    provider,
			Quantity:    qty,
			Unit:        "tokens",
		})
		require.NoError(t, err)
	}
	record("r1", "t1", "w1", "openai", 1)
	record("r1", "t1", "w1", "anthropic", 2)
	record("r2", "t2", "w2", "openai", 3)
	record("r3", "t1", "w2", "openai", 4)

	all, err := f.reg.QueryMetering(ctx, MeteringFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, 4.0, all[0].Quantity, "newest first")
	assert.True(t, all[0].Timestamp.After(all[3].Timestamp))

	byRun, err := f.reg.QueryMetering(ctx, MeteringFilter{RunID: "r1"})
	require.NoError(t, err)
	assert.Len(t, byRun, 2)

	combo, err := f.reg.QueryMetering(ctx, MeteringFilter{TenantID: "t1", WorkspaceID: "w2", Provider: "openai"})
	require.NoError(t, err)
	require.Len(t, combo, 1)
	assert.Equal(t, "r3", combo[0].RunID)

	limited, err := f.reg.QueryMetering(ctx, MeteringFilter{Provider: "openai", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, 4.0, limited[0].Quantity)
	assert.Equal(t, 3.0, limited[1].Quantity)
}

func TestRecordMeteringEvent_Validation(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.RecordMeteringEvent(context.Background(), MeteringEvent{Unit: "tokens"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestQuery_DefaultLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < DefaultQueryLimit+5; i++ {
		_, err := f.reg.LogAudit(ctx, AuditEntry{Action: "manual.check", ActorID: "ops"})
		require.NoError(t, err)
	}
	entries, err := f.reg.QueryAudit(ctx, AuditFilter{ActorID: "ops"})
	require.NoError(t, err)
	assert.Len(t, entries, DefaultQueryLimit)
}

func TestLogAudit_FiltersAndEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.reg.LogAudit(ctx, AuditEntry{ActorID: "alice", Action: "run.approved", RunID: "r1"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.reg.LogAudit(ctx, AuditEntry{ActorID: "bob", Action: "run.approved", Status: AuditFailure, RunID: "r2"})
	require.NoError(t, err)

	approved, err := f.reg.QueryAudit(ctx, AuditFilter{Action: "run.approved"})
	require.NoError(t, err)
	require.Len(t, approved, 2)
	assert.Equal(t, "bob", approved[0].ActorID)

	alice, err := f.reg.QueryAudit(ctx, AuditFilter{ActorID: "alice", Status: AuditSuccess})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "r1", alice[0].RunID)

	events := f.events.OfType(schema.EventAuditLogged)
	require.Len(t, events, 2)
	assert.Equal(t, "r2", events[1].RunID)

	_, err = f.reg.LogAudit(ctx, AuditEntry{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestLogAudit_ConcurrentAppendsNeverLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers, each = 8, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				_, err := f.reg.LogAudit(ctx, AuditEntry{ActorID: fmt.Sprintf("w%d", w), Action: "tick"})
				assert.NoError(t, err)
				_, err = f.reg.RecordMeteringEvent(ctx, MeteringEvent{Provider: "p", Unit: "calls", Quantity: 1})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	entries, err := f.reg.QueryAudit(ctx, AuditFilter{Action: "tick", Limit: workers * each * 2})
	require.NoError(t, err)
	assert.Len(t, entries, workers*each)

	events, err := f.reg.QueryMetering(ctx, MeteringFilter{Limit: workers * each * 2})
	require.NoError(t, err)
	assert.Len(t, events, workers*each)
}
