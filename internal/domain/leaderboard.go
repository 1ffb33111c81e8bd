package domain

import "sort"

// RankedParticipant is one leaderboard row. Delta is the rank movement
// since the previous snapshot (positive = moved up), zero for new entries.
type RankedParticipant struct {
	ParticipantID string `json:"participant_id"`
	Nickname      string `json:"nickname"`
	TeamID        string `json:"team_id,omitempty"`
	Score         int    `json:"score"`
	Rank          int    `json:"rank"`
	Delta         int    `json:"delta"`
}

// RankedTeam is one team leaderboard row: member scores summed.
type RankedTeam struct {
	TeamID string `json:"team_id"`
	Name   string `json:"name"`
	Color  string `json:"color"`
	Score  int    `json:"score"`
	Rank   int    `json:"rank"`
}

// Rank orders participants by score descending, ties broken by join order
// (earlier join ranks higher) and then nickname so the order is stable
// across refreshes.
func Rank(participants []Participant) []RankedParticipant {
	sorted := make([]Participant, len(participants))
	copy(sorted, participants)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].Nickname < sorted[j].Nickname
	})

	ranked := make([]RankedParticipant, len(sorted))
	for i, p := range sorted {
		ranked[i] = RankedParticipant{
			ParticipantID: p.ID,
			Nickname:      p.Nickname,
			TeamID:        p.TeamID,
			Score:         p.Score,
			Rank:          i + 1,
		}
	}
	return ranked
}

// WithDeltas annotates a ranking with movement relative to prevRanks
// (participant id -> previous rank) and returns the ranking plus the rank
// map to retain for the next refresh.
func WithDeltas(ranked []RankedParticipant, prevRanks map[string]int) ([]RankedParticipant, map[string]int) {
	next := make(map[string]int, len(ranked))
	out := make([]RankedParticipant, len(ranked))
	for i, p := range ranked {
		if prev, ok := prevRanks[p.ParticipantID]; ok {
			p.Delta = prev - p.Rank
		}
		out[i] = p
		next[p.ParticipantID] = p.Rank
	}
	return out, next
}

// RankTeams sums member scores per team and orders teams by total
// descending, ties broken by name.
func RankTeams(teams []Team, participants []Participant) []RankedTeam {
	totals := make(map[string]int, len(teams))
	for _, p := range participants {
		if p.TeamID != "" {
			totals[p.TeamID] += p.Score
		}
	}

	ranked := make([]RankedTeam, 0, len(teams))
	for _, t := range teams {
		ranked = append(ranked, RankedTeam{
			TeamID: t.ID,
			Name:   t.Name,
			Color:  t.Color,
			Score:  totals[t.ID],
		})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Name < ranked[j].Name
	})
	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}
