package agent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SerializesJobs(t *testing.T) {
	g := NewGate()

	_, jobID, err := g.Start(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, jobID)
	assert.True(t, g.Busy())

	_, _, err = g.Start(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	g.End(jobID)
	assert.False(t, g.Busy())

	_, second, err := g.Start(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, jobID, second)
}

func TestGate_StopCancelsRunContext(t *testing.T) {
	g := NewGate()

	ctx, jobID, err := g.Start(context.Background())
	require.NoError(t, err)

	assert.False(t, NewGate().Stop(), "idle gate has nothing to stop")
	require.True(t, g.Stop())

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled by Stop")
	}

	// The job holds the gate until its loop unwinds.
	assert.True(t, g.Busy())
	assert.True(t, g.Stop(), "stop while cancelling still reports an active job")

	g.End(jobID)
	assert.False(t, g.Busy())
}

func TestGate_StatusLifecycle(t *testing.T) {
	g := NewGate()

	st := g.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.Nil(t, st.JobID)

	payload, err := json.Marshal(st)
	require.NoError(t, err)
	assert.JSONEq(t, `{"state":"idle","tps":0,"job_id":null}`, string(payload))

	_, jobID, err := g.Start(context.Background())
	require.NoError(t, err)

	st = g.Status()
	assert.Equal(t, StateGenerating, st.State)
	require.NotNil(t, st.JobID)
	assert.Equal(t, jobID, *st.JobID)

	g.Update(jobID, StateDone, 41.5)
	g.End(jobID)

	// Terminal state and throughput survive the release.
	st = g.Status()
	assert.Equal(t, StateDone, st.State)
	assert.Equal(t, 41.5, st.TPS)
	assert.Nil(t, st.JobID)
}

func TestGate_UpdateIgnoresStaleJob(t *testing.T) {
	g := NewGate()

	_, jobID, err := g.Start(context.Background())
	require.NoError(t, err)

	g.Update("some-old-job", StateError, 9.9)
	st := g.Status()
	assert.Equal(t, StateGenerating, st.State)
	assert.Equal(t, float64(0), st.TPS)

	g.End(jobID)
	g.Update(jobID, StateError, 9.9)
	assert.Equal(t, StateGenerating, g.Status().State, "updates after End must not land")
}

func TestGate_EndIgnoresStaleJob(t *testing.T) {
	g := NewGate()

	_, jobID, err := g.Start(context.Background())
	require.NoError(t, err)

	g.End("not-this-job")
	assert.True(t, g.Busy())

	g.End(jobID)
	assert.False(t, g.Busy())
}

func TestGate_OnChangeNotifications(t *testing.T) {
	g := NewGate()

	var mu sync.Mutex
	var seen []Status
	g.OnChange(func(st Status) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	})

	_, jobID, err := g.Start(context.Background())
	require.NoError(t, err)
	g.Update(jobID, StateTool, 12.25)
	g.End(jobID)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, StateGenerating, seen[0].State)
	require.NotNil(t, seen[0].JobID)
	assert.Equal(t, StateTool, seen[1].State)
	assert.Equal(t, 12.25, seen[1].TPS)
	assert.Nil(t, seen[2].JobID)
}
