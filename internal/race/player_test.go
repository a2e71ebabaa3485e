package race

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeRankingsOrdersByFinishTime(t *testing.T) {
	players := map[string]*PlayerInfo{
		"a": {UUID: "a", Name: "alice", Finished: true, FinishTime: 3000, RacePosition: 2, WPM: 70},
		"b": {UUID: "b", Name: "bob", Finished: true, FinishTime: 1000, RacePosition: 1, WPM: 90},
		"c": {UUID: "c", Name: "carol", Finished: true, FinishTime: 2000, RacePosition: 3, WPM: 80},
	}

	rankings := computeRankings(players)
	require.Len(t, rankings, 3)
	require.Equal(t, "bob", rankings[0].Name)
	require.Equal(t, "carol", rankings[1].Name)
	require.Equal(t, "alice", rankings[2].Name)
	require.Equal(t, 1, rankings[0].Position)
	require.Equal(t, 2, rankings[1].Position)
	require.Equal(t, 3, rankings[2].Position)
}

func TestComputeRankingsBreaksTiesByCharsTyped(t *testing.T) {
	players := map[string]*PlayerInfo{
		"a": {UUID: "a", Name: "alice", Finished: true, FinishTime: 1000, Position: 120, RacePosition: 2},
		"b": {UUID: "b", Name: "bob", Finished: true, FinishTime: 1000, Position: 150, RacePosition: 1},
	}

	rankings := computeRankings(players)
	require.Equal(t, "bob", rankings[0].Name)
	require.Equal(t, "alice", rankings[1].Name)
}

func TestComputeRankingsBreaksRemainingTiesByArrival(t *testing.T) {
	players := map[string]*PlayerInfo{
		"a": {UUID: "a", Name: "alice", Finished: true, FinishTime: 1000, Position: 100, RacePosition: 2},
		"b": {UUID: "b", Name: "bob", Finished: true, FinishTime: 1000, Position: 100, RacePosition: 1},
	}

	rankings := computeRankings(players)
	require.Equal(t, "bob", rankings[0].Name)
	require.Equal(t, "alice", rankings[1].Name)
}

func TestComputeRankingsExcludesUnfinishedAndLeft(t *testing.T) {
	players := map[string]*PlayerInfo{
		"a": {UUID: "a", Name: "alice", Finished: true, FinishTime: 1000, RacePosition: 1},
		"b": {UUID: "b", Name: "bob", Left: true},
		"c": {UUID: "c", Name: "carol"},
	}

	rankings := computeRankings(players)
	require.Len(t, rankings, 1)
	require.Equal(t, "alice", rankings[0].Name)
}

func TestComputeRankingsEmpty(t *testing.T) {
	require.Empty(t, computeRankings(map[string]*PlayerInfo{}))
}

func TestResetRaceClearsPerRaceState(t *testing.T) {
	p := &PlayerInfo{
		UUID: "a", Name: "alice",
		Position: 80, TotalChars: 100, WPM: 65, Accuracy: 97.5,
		Errors: 3, Finished: true, RacePosition: 1, FinishTime: 1234, Duration: 42,
	}
	p.resetRace()

	require.Zero(t, p.Position)
	require.Zero(t, p.TotalChars)
	require.Zero(t, p.WPM)
	require.Equal(t, 100.0, p.Accuracy)
	require.Zero(t, p.Errors)
	require.False(t, p.Finished)
	require.Zero(t, p.RacePosition)
	require.Zero(t, p.FinishTime)
	require.Zero(t, p.Duration)
	require.Equal(t, "alice", p.Name)
}

func TestProgressFraction(t *testing.T) {
	p := &PlayerInfo{Position: 25, TotalChars: 100}
	require.Equal(t, 0.25, p.progress())

	p = &PlayerInfo{Position: 10, TotalChars: 0}
	require.Zero(t, p.progress())
}
