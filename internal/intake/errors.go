package intake

import "errors"

var (
	// ErrContentFetch means the platform could not hand over the image bytes.
	// The pending session is kept so a resend can still pair.
	ErrContentFetch = errors.New("fetch content")
	// ErrPersistence means the image or the record row could not be written.
	ErrPersistence = errors.New("persist submission")
)
