package models

import "fmt"

// SortOrder is the ordering of a list query.
type SortOrder string

const (
	SortDateAsc     SortOrder = "date_asc"
	SortDateDesc    SortOrder = "date_desc"
	SortSubjectAsc  SortOrder = "subject_asc"
	SortSubjectDesc SortOrder = "subject_desc"
)

// ParseSortOrder validates s. An empty value means SortDateDesc.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "":
		return SortDateDesc, nil
	case SortDateAsc, SortDateDesc, SortSubjectAsc, SortSubjectDesc:
		return SortOrder(s), nil
	}
	return "", fmt.Errorf("unknown sort order %q", s)
}

// ListQuery selects a page of records. AccountIDs is never empty once it
// reaches a store; callers resolve "all accounts" to explicit ids.
type ListQuery struct {
	Search     string
	Sort       SortOrder
	AccountIDs []int
	Limit      int
	Offset     int
}

// ListPage is one page of a list query.
type ListPage struct {
	Records  []EmailRecord `json:"records"`
	Total    int           `json:"total"`
	HasMore  bool          `json:"has_more"`
	Page     int           `json:"page"`
	PageSize int           `json:"page_size"`
}
