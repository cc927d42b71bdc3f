package indexstore

import "time"

// Run represents an indexed benchmark run.
type Run struct {
	ID         uint   `gorm:"primaryKey"`
	RunID      string `gorm:"not null;uniqueIndex"`
	Stage      string
	Model      string `gorm:"index"`
	DatasetID  string `gorm:"index"`
	Source     string
	Status     string `gorm:"index"`
	StopReason string
	Error      string `gorm:"type:text"`

	StartedAt time.Time `gorm:"index"`
	EndedAt   *time.Time

	Samples        int
	OKRate         *float64
	Performance    *float64
	MeanAbsErrMean *float64
	MinAbsErrMean  *float64
	MaxAbsErrMean  *float64

	TokensTotal int64
	CostTotal   float64

	// Dataset metadata serialized as JSON.
	DatasetJSON string `gorm:"type:text"`

	IndexedAt   time.Time
	ReindexedAt *time.Time
}
