package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/client"

	"github.com/alanyoungcy/fillindexer/internal/domain"
	"github.com/alanyoungcy/fillindexer/internal/schedule"
)

type MockStarter struct {
	mock.Mock
}

func (m *MockStarter) ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error) {
	called := m.Called(options, workflow, args)
	if called.Get(0) == nil {
		return nil, called.Error(1)
	}
	return called.Get(0).(client.WorkflowRun), called.Error(1)
}

type fakeRun struct {
	client.WorkflowRun
	id    string
	runID string
}

func (r fakeRun) GetID() string    { return r.id }
func (r fakeRun) GetRunID() string { return r.runID }

func TestDispatchStartsDelayedWorkflow(t *testing.T) {
	starter := new(MockStarter)
	req := schedule.Request{
		Queue:   domain.QueueFillIndexing,
		Job:     domain.JobIndexFill,
		Key:     "5f267c7b545e125452c56e14",
		Payload: schedule.FillRef{FillID: "5f267c7b545e125452c56e14"},
		Delay:   30 * time.Second,
	}

	starter.On("ExecuteWorkflow",
		client.StartWorkflowOptions{
			ID:         "index-fill-5f267c7b545e125452c56e14",
			TaskQueue:  "fill-jobs",
			StartDelay: 30 * time.Second,
		},
		"index-fill",
		[]interface{}{schedule.FillRef{FillID: "5f267c7b545e125452c56e14"}},
	).Return(fakeRun{id: "index-fill-5f267c7b545e125452c56e14", runID: "run-1"}, nil).Once()

	d := NewDispatcher(starter, "fill-jobs", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, d.Dispatch(context.Background(), req))
	starter.AssertExpectations(t)
}

func TestDispatchWrapsStartError(t *testing.T) {
	starter := new(MockStarter)
	boom := errors.New("namespace not found")
	starter.On("ExecuteWorkflow", mock.Anything, mock.Anything, mock.Anything).Return(nil, boom)

	d := NewDispatcher(starter, "fill-jobs", slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := d.Dispatch(context.Background(), schedule.Request{Job: domain.JobConvertRelayerFees, Key: "f1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "convert-relayer-fees-f1")
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "convert-protocol-fee-abc", WorkflowID(schedule.Request{Job: domain.JobConvertProtocolFee, Key: "abc"}))
}
