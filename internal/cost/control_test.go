package cost

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ghosthands/core/internal/data/repos/usage"
	"github.com/ghosthands/core/internal/domain/ghostjobs"
	"github.com/ghosthands/core/internal/platform/dbctx"
)

type fakeUsageRepo struct {
	cost float64
	incCalls []usage.Delta
}

func (f *fakeUsageRepo) CurrentPeriodCost(dbctx.Context, uuid.UUID, time.Time) (float64, error) {
	return f.cost, nil
}

func (f *fakeUsageRepo) Increment(dbc dbctx.Context, userID uuid.UUID, tier string, now time.Time, delta usage.Delta) (float64, error) {
	f.incCalls = append(f.incCalls, delta)
	f.cost += delta.CostUSD
	return f.cost, nil
}

type fakeJobStore struct {
	events []string
}

func (f *fakeJobStore) Insert(dbctx.Context, *ghostjobs.Job) (*ghostjobs.Job, bool, error) { return nil, false, nil }
func (f *fakeJobStore) ClaimNext(dbctx.Context, string) (*ghostjobs.Job, error)             { return nil, nil }
func (f *fakeJobStore) TransitionStatus(dbctx.Context, uuid.UUID, ghostjobs.Status, ghostjobs.Status, map[string]interface{}) (bool, error) {
	return true, nil
}
func (f *fakeJobStore) Heartbeat(dbctx.Context, uuid.UUID, string) error         { return nil }
func (f *fakeJobStore) RecoverStale(dbctx.Context, time.Time) (int64, error)     { return 0, nil }
func (f *fakeJobStore) AppendEvent(dbc dbctx.Context, jobID uuid.UUID, eventType string, metadata map[string]any, actor string) error {
	f.events = append(f.events, eventType)
	return nil
}
func (f *fakeJobStore) GetByID(dbctx.Context, uuid.UUID) (*ghostjobs.Job, error) { return nil, nil }
func (f *fakeJobStore) Cancel(dbctx.Context, uuid.UUID) (*ghostjobs.Job, bool, error) {
	return nil, false, nil
}
func (f *fakeJobStore) SubmitResolution(dbctx.Context, uuid.UUID, string, any, string) error {
	return nil
}
func (f *fakeJobStore) ReadAndClearResolution(dbctx.Context, uuid.UUID) (*ghostjobs.InteractionState, bool, error) {
	return nil, false, nil
}
func (f *fakeJobStore) ReleaseByWorker(dbctx.Context, string) (int64, error) { return 0, nil }

func TestPreflight_DeniesWhenRemainingBelowTaskBudget(t *testing.T) {
	ur := &fakeUsageRepo{cost: 0.49}
	js := &fakeJobStore{}
	c := NewControl(ur, js)

	res, err := c.Preflight(dbctx.Background(), uuid.New(), "free", PresetBalanced, time.Now())
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.InDelta(t, 0.01, res.RemainingBudget, 0.0001)
}

func TestPreflight_AllowsWhenBudgetSufficient(t *testing.T) {
	ur := &fakeUsageRepo{cost: 0}
	js := &fakeJobStore{}
	c := NewControl(ur, js)

	res, err := c.Preflight(dbctx.Background(), uuid.New(), "pro", PresetBalanced, time.Now())
	require.NoError(t, err)
	require.True(t, res.Allowed)
}

func TestRecordJobCost_IncrementsUsageAndAppendsEvent(t *testing.T) {
	ur := &fakeUsageRepo{}
	js := &fakeJobStore{}
	c := NewControl(ur, js)

	snap := Snapshot{InputTokens: 100, OutputTokens: 50, InputCost: 0.01, OutputCost: 0.005}
	err := c.RecordJobCost(dbctx.Background(), uuid.New(), uuid.New(), "free", time.Now(), snap)
	require.NoError(t, err)
	require.Len(t, ur.incCalls, 1)
	require.InDelta(t, 0.015, ur.incCalls[0].CostUSD, 0.0001)
	require.Contains(t, js.events, ghostjobs.EventCostRecorded)
}

func TestResolvePreset_HonoursPrecedenceOrder(t *testing.T) {
	require.Equal(t, PresetQuality, ResolvePreset("quality", "speed", "free"))
	require.Equal(t, PresetSpeed, ResolvePreset("", "speed", "pro"))
	require.Equal(t, PresetBalanced, ResolvePreset("", "", "pro"))
	require.Equal(t, PresetSpeed, ResolvePreset("", "", "free"))
	require.Equal(t, PresetBalanced, ResolvePreset("bogus", "", ""))
}

func TestPreflightDenied_BuildsTypedError(t *testing.T) {
	uid := uuid.New()
	res := PreflightResult{Allowed: false, RemainingBudget: 0.01, TaskBudget: 0.10, Reason: "insufficient monthly budget remaining"}
	err := PreflightDenied(uid, res)
	require.Equal(t, uid.String(), err.UserID)
	require.Equal(t, res.RemainingBudget, err.RemainingBudget)
	require.Equal(t, res.TaskBudget, err.TaskBudget)
	require.Contains(t, err.Error(), "insufficient monthly budget remaining")
}
