package consts

import "errors"

// Ingestion failure taxonomy. Each scope stops at its own boundary: one
// message for ErrParse, one attachment for ErrAttachment, one sub-batch for
// ErrStore, one account run for ErrConnection and ErrDuplicateCheck.
var (
	ErrConnection     = errors.New("mailbox connection failed")
	ErrParse          = errors.New("message parse failed")
	ErrAttachment     = errors.New("attachment upload failed")
	ErrStore          = errors.New("store operation failed")
	ErrDuplicateCheck = errors.New("duplicate check failed")
)

// Read API errors.
var (
	ErrNotFound        = errors.New("not found")
	ErrAccountNotFound = errors.New("account not found")
	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidRequest  = errors.New("invalid request")
)

// Configuration errors are fatal at startup.
var (
	ErrNoAccounts    = errors.New("no mailbox accounts configured")
	ErrInvalidConfig = errors.New("invalid configuration")
)

const (
	// AdvisoryLockID guards schema migrations against concurrent runs.
	AdvisoryLockID int64 = 0x6d61696c696e67
	// DefaultMailbox is the folder every account is ingested from.
	DefaultMailbox = "INBOX"
)
