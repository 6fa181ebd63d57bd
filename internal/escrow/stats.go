package escrow

type Stats struct {
	Count       int     `json:"count"`
	TotalVolume int64   `json:"total_volume"`
	SuccessRate float64 `json:"success_rate"`
	AvgScore    float64 `json:"avg_score"`
	ActiveCount int     `json:"active_count"`
}

// Stats aggregates over the whole table. SuccessRate and AvgScore only look at
// terminal records and are 0 when there are none.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		s                  Stats
		terminal, approved int
		scored, scoreSum   int
	)
	for _, e := range r.byID {
		s.Count++
		s.TotalVolume += e.Amount
		if !e.Status.Terminal() {
			s.ActiveCount++
			continue
		}
		terminal++
		if e.Status == StatusApproved {
			approved++
		}
		if e.Verdict != nil {
			scored++
			scoreSum += e.Verdict.Score
		}
	}
	if terminal > 0 {
		s.SuccessRate = float64(approved) / float64(terminal) * 100
	}
	if scored > 0 {
		s.AvgScore = float64(scoreSum) / float64(scored)
	}
	return s
}
