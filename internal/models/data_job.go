package models

import (
	"time"
)

type DataJobType string

const (
	DataJobTypeImport DataJobType = "import"
	DataJobTypeExport DataJobType = "export"
)

func (t DataJobType) Valid() bool {
	return t == DataJobTypeImport || t == DataJobTypeExport
}

type DataJobStatus string

const (
	DataJobStatusPending    DataJobStatus = "pending"
	DataJobStatusProcessing DataJobStatus = "processing"
	DataJobStatusCompleted  DataJobStatus = "completed"
	DataJobStatusFailed     DataJobStatus = "failed"
	DataJobStatusCancelled  DataJobStatus = "cancelled"
)

func (s DataJobStatus) Valid() bool {
	switch s {
	case DataJobStatusPending, DataJobStatusProcessing, DataJobStatusCompleted,
		DataJobStatusFailed, DataJobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is accepted from s,
// apart from the failed -> processing re-run.
func (s DataJobStatus) Terminal() bool {
	return s == DataJobStatusCompleted || s == DataJobStatusFailed || s == DataJobStatusCancelled
}

// DataFormat is the exchange file encoding.
type DataFormat string

const (
	DataFormatJSON DataFormat = "json"
	DataFormatCSV  DataFormat = "csv"
	// DataFormatExcel is accepted on job creation but no codec implements it.
	DataFormatExcel DataFormat = "excel"
)

func (f DataFormat) Valid() bool {
	return f == DataFormatJSON || f == DataFormatCSV || f == DataFormatExcel
}

// FieldType is an explicit per-field conversion hint applied on import.
type FieldType string

const (
	FieldTypeString    FieldType = "string"
	FieldTypeNumber    FieldType = "number"
	FieldTypeBoolean   FieldType = "boolean"
	FieldTypeTimestamp FieldType = "timestamp"
)

func (t FieldType) Valid() bool {
	switch t {
	case FieldTypeString, FieldTypeNumber, FieldTypeBoolean, FieldTypeTimestamp:
		return true
	}
	return false
}

// Record is one row or document moved through a job.
type Record = map[string]any

type DataJob struct {
	ID               string               `json:"id" db:"id"`
	Type             DataJobType          `json:"type" db:"type"`
	Name             string               `json:"name" db:"name"`
	Description      *string              `json:"description,omitempty" db:"description"`
	Collection       string               `json:"collection" db:"collection"`
	Format           DataFormat           `json:"format" db:"format"`
	Query            map[string]any       `json:"query,omitempty" db:"query"`
	Mappings         map[string]string    `json:"mappings,omitempty" db:"mappings"`
	FieldTypes       map[string]FieldType `json:"field_types,omitempty" db:"field_types"`
	SourceURL        *string              `json:"source_url,omitempty" db:"source_url"`
	ResultURL        *string              `json:"result_url" db:"result_url"`
	Status           DataJobStatus        `json:"status" db:"status"`
	Progress         int                  `json:"progress" db:"progress"`
	TotalRecords     *int64               `json:"total_records" db:"total_records"`
	ProcessedRecords int64                `json:"processed_records" db:"processed_records"`
	StartedAt        *time.Time           `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time           `json:"completed_at" db:"completed_at"`
	Error            *string              `json:"error" db:"error"`
	CreatedBy        string               `json:"created_by" db:"created_by"`
	CreatedAt        time.Time            `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at" db:"updated_at"`
}

// CreateDataJobInput carries the caller-supplied fields of a new job.
type CreateDataJobInput struct {
	Type        DataJobType          `json:"type"`
	Name        string               `json:"name"`
	Description *string              `json:"description,omitempty"`
	Collection  string               `json:"collection"`
	Format      DataFormat           `json:"format"`
	Query       map[string]any       `json:"query,omitempty"`
	Mappings    map[string]string    `json:"mappings,omitempty"`
	FieldTypes  map[string]FieldType `json:"field_types,omitempty"`
	SourceURL   *string              `json:"source_url,omitempty"`
	CreatedBy   string               `json:"created_by"`
}

// StatusUpdate holds the optional fields written alongside a status change.
// Nil fields are left untouched.
type StatusUpdate struct {
	Progress         *int    `json:"progress,omitempty"`
	TotalRecords     *int64  `json:"total_records,omitempty"`
	ProcessedRecords *int64  `json:"processed_records,omitempty"`
	ResultURL        *string `json:"result_url,omitempty"`
	Error            *string `json:"error,omitempty"`

	// ResetRun clears progress, error and completion of a failed job
	// that is being run again.
	ResetRun bool `json:"-"`

	// Start marks the write that begins a run. It is accepted only from
	// the statuses in StartPredecessors, so of two concurrent starts one
	// fails with ErrPrecondition.
	Start bool `json:"-"`
}

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type ListOptions struct {
	Type             *DataJobType
	Status           *DataJobStatus
	Collection       string
	CreatedBy        string
	StartDate        *time.Time
	EndDate          *time.Time
	Limit            int
	Offset           int
	OrderByCreatedAt SortOrder
}

type ListResult struct {
	Jobs  []DataJob `json:"jobs"`
	Total int       `json:"total"`
}

// allowedPredecessors lists, for each target status, the statuses a job may
// hold immediately before entering it.
var allowedPredecessors = map[DataJobStatus][]DataJobStatus{
	DataJobStatusPending:    {},
	DataJobStatusProcessing: {DataJobStatusPending, DataJobStatusProcessing, DataJobStatusFailed},
	DataJobStatusCompleted:  {DataJobStatusProcessing},
	DataJobStatusFailed:     {DataJobStatusProcessing},
	DataJobStatusCancelled:  {DataJobStatusPending, DataJobStatusProcessing},
}

// StartPredecessors are the statuses a run may begin from.
var StartPredecessors = []DataJobStatus{DataJobStatusPending, DataJobStatusFailed}

// AllowedPredecessors returns the statuses from which to may be entered.
func AllowedPredecessors(to DataJobStatus) []DataJobStatus {
	return allowedPredecessors[to]
}

// PredecessorsFor narrows AllowedPredecessors for the start of a run.
func PredecessorsFor(to DataJobStatus, u StatusUpdate) []DataJobStatus {
	if u.Start && to == DataJobStatusProcessing {
		return StartPredecessors
	}
	return allowedPredecessors[to]
}

// CanTransition reports whether a job in status from may move to status to.
// processing -> processing is the progress update of a running job.
func CanTransition(from, to DataJobStatus) bool {
	return CanApply(from, to, StatusUpdate{})
}

// CanApply is CanTransition for a specific update.
func CanApply(from, to DataJobStatus, u StatusUpdate) bool {
	for _, s := range PredecessorsFor(to, u) {
		if s == from {
			return true
		}
	}
	return false
}
