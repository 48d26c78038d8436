package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"txguard/internal/risk"
)

// AssessmentRecord is a persisted composite verdict.
type AssessmentRecord struct {
	ID             uuid.UUID
	TransactionID  string
	UserID         string
	OverallScore   int
	RiskLevel      risk.RiskLevel
	Recommendation string
	Reasons        []string
	Factors        json.RawMessage
	CreatedAt      time.Time
}

// NewAssessmentRecord flattens a result for persistence.
func NewAssessmentRecord(tx risk.Transaction, res risk.CompositeRiskResult) (AssessmentRecord, error) {
	factors, err := json.Marshal(res.Factors)
	if err != nil {
		return AssessmentRecord{}, err
	}
	return AssessmentRecord{
		TransactionID:  tx.ID,
		UserID:         tx.UserID,
		OverallScore:   res.OverallRiskScore,
		RiskLevel:      res.RiskLevel,
		Recommendation: res.Recommendation,
		Reasons:        append([]string(nil), res.Reasons...),
		Factors:        factors,
	}, nil
}
