package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "verdant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testPledge(name string) *Pledge {
	now := time.Now().UTC().Truncate(time.Second)
	return &Pledge{
		UserID:           "u1",
		Name:             name,
		Activity:         "plastic water bottle",
		ActivityUnitType: "money",
		ActivityValue:    10,
		Frequency:        time.Hour,
		CO2eFactor:       2.5,
		Streak:           1,
		LastRenewal:      now,
		Created:          now,
	}
}

func TestCreateAndGetPledge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePledge(ctx, testPledge("No Bottles")))

	got, err := s.GetPledge(ctx, "u1", "no bottles")
	require.NoError(t, err)
	assert.Equal(t, "no bottles", got.Name, "names are stored lowercased")
	assert.Equal(t, time.Hour, got.Frequency)
	assert.Equal(t, 1, got.Streak)
	assert.Equal(t, 2.5, got.CO2eFactor)
}

func TestCreatePledgeDuplicateNameCaseInsensitive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePledge(ctx, testPledge("no bottles")))

	err := s.CreatePledge(ctx, testPledge("NO BOTTLES"))
	require.ErrorIs(t, err, ErrPledgeExists)

	// The failed create must not have written anything.
	pledges, err := s.ActivePledges(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, pledges, 1)
}

func TestDuplicateNameAllowedAcrossUsers(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreatePledge(ctx, testPledge("no bottles")))
	other := testPledge("no bottles")
	other.UserID = "u2"
	require.NoError(t, s.CreatePledge(ctx, other))
}

func TestApplyRenewal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p := testPledge("no bottles")
	require.NoError(t, s.CreatePledge(ctx, p))

	renewedAt := p.LastRenewal.Add(p.Frequency)
	require.NoError(t, s.ApplyRenewal(ctx, "u1", "no bottles", renewedAt))

	got, err := s.GetPledge(ctx, "u1", "no bottles")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Streak)
	assert.Equal(t, 2.5, got.Impact)
	assert.True(t, got.LastRenewal.Equal(renewedAt), "last_renewal advances to renewedAt")
}

func TestApplyRenewalMissingPledge(t *testing.T) {
	s := openTestStore(t)
	err := s.ApplyRenewal(context.Background(), "u1", "gone", time.Now())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSumEmissions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	logs := []EmissionLog{
		{UserID: "u1", Activity: "beef", ActivityUnitType: "weight", CO2e: 12, Created: now.Add(-time.Hour)},
		{UserID: "u1", Activity: "flight", ActivityUnitType: "money", CO2e: 80, Created: now.Add(-48 * time.Hour)},
		{UserID: "u2", Activity: "beef", ActivityUnitType: "weight", CO2e: 5, Created: now.Add(-time.Hour)},
	}
	for i := range logs {
		require.NoError(t, s.InsertEmissionLog(ctx, &logs[i]))
	}

	recent, err := s.SumEmissions(ctx, "u1", now.Add(-2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 12.0, recent)

	all, err := s.SumEmissions(ctx, "u1", time.Unix(0, 0))
	require.NoError(t, err)
	assert.Equal(t, 92.0, all)

	none, err := s.SumEmissions(ctx, "u3", time.Unix(0, 0))
	require.NoError(t, err)
	assert.Zero(t, none, "no logs sums to zero, not an error")
}

func TestTopEmittingActivities(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, l := range []EmissionLog{
		{UserID: "u1", Activity: "beef", CO2e: 10, Created: now},
		{UserID: "u1", Activity: "beef", CO2e: 15, Created: now},
		{UserID: "u1", Activity: "flight", CO2e: 80, Created: now},
		{UserID: "u1", Activity: "plastic", CO2e: 3, Created: now},
	} {
		log := l
		log.ActivityUnitType = "money"
		require.NoError(t, s.InsertEmissionLog(ctx, &log))
	}

	top, err := s.TopEmittingActivities(ctx, "u1", []string{"flight"}, 5)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "beef", top[0].Activity)
	assert.Equal(t, 25.0, top[0].CO2e)
	assert.Equal(t, "plastic", top[1].Activity)
}

func TestPledgeImpacts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := testPledge("no bottles")
	b := testPledge("less beef")
	require.NoError(t, s.CreatePledge(ctx, a))
	require.NoError(t, s.CreatePledge(ctx, b))
	require.NoError(t, s.ApplyRenewal(ctx, "u1", "less beef", time.Now()))

	all, err := s.PledgeImpacts(ctx, "u1", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)

	filtered, err := s.PledgeImpacts(ctx, "u1", []string{"LESS BEEF"})
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "less beef", filtered[0].Name)
	assert.Equal(t, 2.5, filtered[0].Impact)
	assert.Equal(t, 2, filtered[0].Streak)
}

func TestUserRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &User{
		ID:              "u1",
		Region:          "US",
		Currency:        "usd",
		EmissionsBudget: 500,
		BudgetPeriod:    "week",
		TTSVoice:        "alloy",
	}
	require.NoError(t, s.UpsertUser(ctx, u))

	got, err := s.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, u, got)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}
