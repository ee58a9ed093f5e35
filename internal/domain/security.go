package domain

// SecurityVerdict is the screener's aggregate answer for a candidate token.
// A rule failure is an ordinary outcome, not an error: hard-fail rules set
// Pass to false and append their reason, soft findings only lower the score.
type SecurityVerdict struct {
	Pass    bool
	Score   int // 0 (worst) .. 100 (clean)
	Reasons []string
}

// NewVerdict returns the clean starting verdict every screen begins from.
func NewVerdict() SecurityVerdict {
	return SecurityVerdict{Pass: true, Score: 100}
}

// Reject appends a hard-fail reason and clears Pass.
func (v *SecurityVerdict) Reject(reason string) {
	v.Pass = false
	v.Reasons = append(v.Reasons, reason)
}

// Penalize lowers the score by the given amount, flooring at zero, and
// records the finding without failing the verdict.
func (v *SecurityVerdict) Penalize(points int, reason string) {
	v.Score -= points
	if v.Score < 0 {
		v.Score = 0
	}
	v.Reasons = append(v.Reasons, reason)
}
