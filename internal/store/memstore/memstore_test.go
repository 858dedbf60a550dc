package memstore

import (
	"context"
	"testing"

	"github.com/cuongbtq/job-scheduler/internal/domain"
	"github.com/cuongbtq/job-scheduler/internal/store"
	"github.com/cuongbtq/job-scheduler/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	st := New()
	st.FailNext(2)

	_, err := st.ListDefinitions(ctx)
	assert.True(t, domain.IsTransient(err))
	_, err = st.GetRun(ctx, "x")
	assert.True(t, domain.IsTransient(err))

	_, err = st.GetRun(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.False(t, domain.IsTransient(err))
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	st := New()
	require.NoError(t, st.Close())

	_, err := st.ReadLease(ctx, domain.CoordinationKey)
	assert.True(t, domain.IsTransient(err))
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	st := New()
	_, err := st.UpsertDefinition(ctx, storetest.Definition("copy"), storetest.InitialState("copy", storetest.Base))
	require.NoError(t, err)

	state, err := st.ReadTriggerState(ctx, "copy")
	require.NoError(t, err)
	*state.NextFireAt = state.NextFireAt.Add(1000)
	state.RunCount = 42

	again, err := st.ReadTriggerState(ctx, "copy")
	require.NoError(t, err)
	assert.Equal(t, 0, again.RunCount)
	assert.True(t, again.NextFireAt.Equal(storetest.Base))
}
