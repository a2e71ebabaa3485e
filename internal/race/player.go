package race

import (
	"sort"

	"github.com/lagoon-games/typerace-mesh/internal/protocol"
)

// PlayerInfo is the per-player race state. Entries are created when a
// peer's HELLO is accepted and are never removed mid-race: a disconnect
// during a race marks the player as left so ranking integrity is preserved.
type PlayerInfo struct {
	UUID         string
	Name         string
	Position     int
	TotalChars   int
	WPM          int
	Accuracy     float64
	Errors       int
	Finished     bool
	RacePosition int
	FinishTime   int64 // ms since epoch, local arrival clock
	Duration     int   // seconds
	Left         bool
}

func (p *PlayerInfo) progress() float64 {
	if p.TotalChars <= 0 {
		return 0
	}
	return float64(p.Position) / float64(p.TotalChars)
}

func (p *PlayerInfo) resetRace() {
	p.Position = 0
	p.TotalChars = 0
	p.WPM = 0
	p.Accuracy = 100
	p.Errors = 0
	p.Finished = false
	p.RacePosition = 0
	p.FinishTime = 0
	p.Duration = 0
}

// PlayerSnapshot is the observable view of one player.
type PlayerSnapshot struct {
	UUID     string
	Name     string
	IsHost   bool
	IsLocal  bool
	Progress float64
	WPM      int
	Finished bool
	Position int
	Left     bool
}

// computeRankings derives the final standings from the finished players.
// Sort order: finish time ascending, ties broken by characters typed
// descending, then by FINISH arrival order. Players who left without
// finishing are not ranked.
func computeRankings(players map[string]*PlayerInfo) []protocol.Ranking {
	finished := make([]*PlayerInfo, 0, len(players))
	for _, p := range players {
		if p.Finished {
			finished = append(finished, p)
		}
	}

	sort.Slice(finished, func(i, j int) bool {
		a, b := finished[i], finished[j]
		if a.FinishTime != b.FinishTime {
			return a.FinishTime < b.FinishTime
		}
		if a.Position != b.Position {
			return a.Position > b.Position
		}
		return a.RacePosition < b.RacePosition
	})

	rankings := make([]protocol.Ranking, 0, len(finished))
	for i, p := range finished {
		rankings = append(rankings, protocol.Ranking{
			UUID:     p.UUID,
			Name:     p.Name,
			WPM:      p.WPM,
			Accuracy: p.Accuracy,
			Errors:   p.Errors,
			Duration: p.Duration,
			Position: i + 1,
		})
	}
	return rankings
}
