package temporalrun

import (
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

func TestWorkflow_ReturnsActivityResult(t *testing.T) {
	var ts testsuite.TestSuite
	env := ts.NewTestWorkflowEnvironment()

	env.OnActivity(ActivityExecuteName, mock.Anything, mock.Anything).
		Return(ExecuteResult{FinalStatus: "completed"}, nil)

	env.ExecuteWorkflow(Workflow, "job-123")

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ExecuteResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "completed", result.FinalStatus)
}

func TestWorkflow_CancelSignalDoesNotBlockActivityCompletion(t *testing.T) {
	var ts testsuite.TestSuite
	env := ts.NewTestWorkflowEnvironment()

	env.OnActivity(ActivityExecuteName, mock.Anything, mock.Anything).
		Return(ExecuteResult{FinalStatus: "cancelled"}, nil)

	env.RegisterDelayedCallback(func() {
		env.SignalWorkflow(SignalCancel, nil)
	}, 0)

	env.ExecuteWorkflow(Workflow, "job-456")

	require.True(t, env.IsWorkflowCompleted())
	require.NoError(t, env.GetWorkflowError())

	var result ExecuteResult
	require.NoError(t, env.GetWorkflowResult(&result))
	require.Equal(t, "cancelled", result.FinalStatus)
}
