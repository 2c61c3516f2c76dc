package session

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusActive, StatusPaused, true},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusPaused, StatusActive, true},
		{StatusPaused, StatusCompleted, true},
		{StatusPaused, StatusFailed, false},
		{StatusPaused, StatusPaused, false},
		{StatusCompleted, StatusActive, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusActive, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

// TestTerminalStatesAreAbsorbingProperty verifies that no sequence of
// permitted transitions ever leaves a terminal status.
func TestTerminalStatesAreAbsorbingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	statusGen := gen.OneConstOf(StatusActive, StatusPaused, StatusCompleted, StatusFailed)

	properties.Property("terminal states admit no transitions", prop.ForAll(
		func(from, to Status) bool {
			if from.Terminal() {
				return !CanTransition(from, to)
			}
			return true
		},
		statusGen, statusGen,
	))

	properties.Property("every permitted transition targets a valid status", prop.ForAll(
		func(from, to Status) bool {
			if CanTransition(from, to) {
				return to.Valid() && to != from
			}
			return true
		},
		statusGen, statusGen,
	))

	properties.TestingRun(t)
}

func TestComputePerformance(t *testing.T) {
	perf := ComputePerformance(nil)
	require.Zero(t, perf.Records)
	require.Zero(t, perf.Cycles)
	require.Zero(t, perf.AverageConfidence)

	results := []Record{
		{ID: "r1", Cycle: 1, Operation: "trend", Confidence: 0.8},
		{ID: "r2", Cycle: 1, Operation: "anomaly", Confidence: 0.6},
		{ID: "r3", Cycle: 2, Operation: "trend", Confidence: 1.0},
	}
	perf = ComputePerformance(results)
	require.Equal(t, 3, perf.Records)
	require.Equal(t, 2, perf.Cycles)
	require.Equal(t, map[string]int{"trend": 2, "anomaly": 1}, perf.RecordsByOperation)
	require.InDelta(t, 0.8, perf.AverageConfidence, 1e-9)
}

func TestCloneIsDeep(t *testing.T) {
	sess := Session{
		ID:      "s1",
		Targets: []string{"a"},
		Results: []Record{{ID: "r1", Payload: []byte(`{"v":1}`)}},
		Performance: Performance{
			RecordsByOperation: map[string]int{"trend": 1},
		},
	}
	clone := Clone(sess)
	clone.Targets[0] = "b"
	clone.Results[0].Payload[2] = 'x'
	clone.Performance.RecordsByOperation["trend"] = 9

	require.Equal(t, "a", sess.Targets[0])
	require.Equal(t, `{"v":1}`, string(sess.Results[0].Payload))
	require.Equal(t, 1, sess.Performance.RecordsByOperation["trend"])
}
