// Package models holds the data types shared by the ingestion pipeline, the
// stores and the read API.
package models

import "time"

// Account is one mailbox whose INBOX is ingested. Accounts are loaded once at
// startup and never change afterwards.
type Account struct {
	ID          int    `json:"id"`
	Address     string `json:"address"`
	Secret      string `json:"-"`
	DisplayName string `json:"display_name"`
}

// RawMessage is one fully received message literal from a range fetch.
type RawMessage struct {
	SeqNum uint32
	Body   []byte
}

// RawAttachment is an attachment as extracted from the MIME tree.
type RawAttachment struct {
	Filename     string
	ContentType  string
	Content      []byte
	DeclaredSize int64
}

// ParsedMessage is a decoded message ready for dedupe. Synthesized is set
// when MessageID was generated locally because the message had none.
type ParsedMessage struct {
	SeqNum      uint32
	MessageID   string
	Subject     string
	From        string
	To          string
	Date        time.Time
	BodyText    string
	BodyHTML    string
	Attachments []RawAttachment
	Synthesized bool
}

// StoredAttachment is the persisted metadata of an uploaded attachment.
type StoredAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	Path        string `json:"path"`
	URL         string `json:"url"`
}

// EmailRecord is the durable form of an ingested message, unique by
// (MessageID, AccountID).
type EmailRecord struct {
	MessageID        string             `json:"message_id"`
	AccountID        int                `json:"account_id"`
	Subject          string             `json:"subject"`
	From             string             `json:"from"`
	To               string             `json:"to"`
	Date             time.Time          `json:"date"`
	BodyText         string             `json:"body_text"`
	BodyHTML         string             `json:"body_html"`
	Attachments      []StoredAttachment `json:"attachments"`
	HasAttachments   bool               `json:"has_attachments"`
	AttachmentsCount int                `json:"attachments_count"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// EmailKey identifies one EmailRecord.
type EmailKey struct {
	MessageID string
	AccountID int
}
