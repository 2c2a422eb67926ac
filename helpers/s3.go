package helpers

import (
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

// NewAttachmentKey builds the blob key for one attachment upload attempt:
// accounts/{accountID}/attachments/{messageID}_{unixMillis}_{suffix}{ext}.
func NewAttachmentKey(accountID int, messageID string, at time.Time, suffix, ext string) string {
	return fmt.Sprintf("accounts/%d/attachments/%s_%d_%s%s",
		accountID, SanitizeKeyComponent(messageID), at.UnixMilli(), suffix, ext)
}

// AttachmentExtension returns the extension of filename, or one derived from
// the content type when the filename has none.
func AttachmentExtension(filename, contentType string) string {
	if ext := strings.ToLower(path.Ext(filename)); ext != "" && len(ext) <= 10 {
		return SanitizeKeyComponent(ext)
	}
	if contentType == "" {
		return ""
	}
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return exts[0]
}
