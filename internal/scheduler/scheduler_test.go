package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"i-vis/internal/job"
	"i-vis/internal/version"
)

type stubUpdater struct {
	results []version.UpdateResult
	err     error
	calls   int
}

func (s *stubUpdater) Update(context.Context, ...string) ([]version.UpdateResult, error) {
	s.calls++
	return s.results, s.err
}

type stubEnqueuer struct {
	queued []*job.Job
}

func (s *stubEnqueuer) Enqueue(_ context.Context, plugin string, opts job.Options) (*job.Job, error) {
	j := &job.Job{ID: "job-" + plugin, Plugin: plugin, Options: opts, Status: job.StatusQueued}
	s.queued = append(s.queued, j)
	return j, nil
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New("every tuesday", &stubUpdater{})
	assert.Error(t, err)

	_, err = New("@daily", nil)
	assert.Error(t, err)

	_, err = New("*/5 * * * *", &stubUpdater{})
	assert.NoError(t, err)
}

func TestRunOnceQueuesOnlyNewVersions(t *testing.T) {
	updater := &stubUpdater{
		results: []version.UpdateResult{
			{Plugin: "civic", Version: "2024-02-01", Outcome: version.OutcomeAdded},
			{Plugin: "hgnc", Version: "2024-01-01", Outcome: version.OutcomeKnown},
			{Plugin: "dgidb", Outcome: version.OutcomeUnknown},
		},
		err: errors.New("oncokb: probe failed"),
	}
	enqueuer := &stubEnqueuer{}
	s, err := New("@daily", updater, WithAutoUpgrade(enqueuer, job.Options{Mode: "default"}))
	require.NoError(t, err)

	jobs, err := s.RunOnce(context.Background())
	assert.Error(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "civic", jobs[0].Plugin)
	require.Len(t, enqueuer.queued, 1)
	assert.Equal(t, "default", enqueuer.queued[0].Options.Mode)
}

func TestRunOnceWithoutAutoUpgradeOnlyChecks(t *testing.T) {
	updater := &stubUpdater{results: []version.UpdateResult{{Plugin: "civic", Version: "v2", Outcome: version.OutcomeAdded}}}
	s, err := New("@hourly", updater)
	require.NoError(t, err)

	jobs, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Equal(t, 1, updater.calls)
}

func TestRunStopsWithContext(t *testing.T) {
	s, err := New("@every 1h", &stubUpdater{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
