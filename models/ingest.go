package models

import "time"

// StageTiming records how long each pipeline stage of one run took, in
// milliseconds.
type StageTiming struct {
	ConnectMs     int64 `json:"connect_ms"`
	FetchMs       int64 `json:"fetch_ms"`
	ParseMs       int64 `json:"parse_ms"`
	DedupeMs      int64 `json:"dedupe_ms"`
	AttachmentsMs int64 `json:"attachments_ms"`
	UpsertMs      int64 `json:"upsert_ms"`
	TotalMs       int64 `json:"total_ms"`
}

// IngestResult is the outcome of one ingestion run for one account.
type IngestResult struct {
	AccountID   int         `json:"account_id"`
	Success     bool        `json:"success"`
	Saved       int         `json:"saved"`
	Failed      int         `json:"failed"`
	Duplicates  int         `json:"duplicates"`
	Total       int         `json:"total"`
	ParseFailed int         `json:"parse_failed"`
	Error       string      `json:"error,omitempty"`
	Timing      StageTiming `json:"timing"`
}

// Wrote reports whether the run stored at least one record.
func (r IngestResult) Wrote() bool {
	return r.Saved > 0
}

// FetchSummary aggregates the runs of one fetch request.
type FetchSummary struct {
	Results         []IngestResult `json:"results"`
	TotalSaved      int            `json:"total_saved"`
	TotalFailed     int            `json:"total_failed"`
	TotalDuplicates int            `json:"total_duplicates"`
	ElapsedMs       int64          `json:"elapsed_ms"`
}

// Add folds r into the aggregate.
func (s *FetchSummary) Add(r IngestResult) {
	s.Results = append(s.Results, r)
	s.TotalSaved += r.Saved
	s.TotalFailed += r.Failed
	s.TotalDuplicates += r.Duplicates
}

// Millis converts d to whole milliseconds.
func Millis(d time.Duration) int64 {
	return d.Milliseconds()
}
