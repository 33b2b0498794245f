package model

import (
	"encoding/json"
	"time"
)

// DataType discriminates the provider a proof came from.
type DataType string

const (
	DataTypeZomato  DataType = "zomato_order_history"
	DataTypeGitHub  DataType = "github_profile"
	DataTypeNetflix DataType = "netflix_watch_history"
)

// DataTypes lists every supported provider in a fixed order.
var DataTypes = []DataType{DataTypeZomato, DataTypeGitHub, DataTypeNetflix}

// Valid reports whether d is one of the enumerated data types.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeZomato, DataTypeGitHub, DataTypeNetflix:
		return true
	default:
		return false
	}
}

// RecordStatus is the review state of a sellable record.
type RecordStatus string

const (
	StatusNew      RecordStatus = "new"
	StatusVerified RecordStatus = "verified"
	StatusRejected RecordStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s RecordStatus) Valid() bool {
	switch s {
	case StatusNew, StatusVerified, StatusRejected:
		return true
	default:
		return false
	}
}

// Unclassified is the bucket value used when a cohort attribute is missing.
const Unclassified = "unclassified"

// Submission is the ingestion input contract.
type Submission struct {
	DataType       DataType        `json:"dataType"`
	AnonymizedData json.RawMessage `json:"anonymizedData"`
	ReclaimProofID string          `json:"reclaimProofId"`
	UserID         string          `json:"userId"`
}

// CohortAssignment groups a record with others sharing its bucketed attributes.
type CohortAssignment struct {
	CohortID            string `json:"cohort_id"`
	KAnonymityThreshold int    `json:"k_anonymity_threshold"`
}

// IndexedFields is the flat projection of sellable_data. Values are int64,
// float64, string, []string or nil.
type IndexedFields map[string]any

// SellableRecord is the persisted, externally visible output of the pipeline.
type SellableRecord struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	ReclaimProofID string          `json:"reclaim_proof_id"`
	DataType       DataType        `json:"data_type"`
	Status         RecordStatus    `json:"status"`
	SellableData   json.RawMessage `json:"sellable_data"`
	Metadata       json.RawMessage `json:"metadata"`
	IndexedFields  IndexedFields   `json:"indexed_fields"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
