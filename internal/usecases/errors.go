package usecases

import (
	"errors"
	"fmt"
)

// Reason classifies why an envelope could not be ingested.
type Reason string

const (
	ReasonTenantNotFound   Reason = "TENANT_NOT_FOUND"
	ReasonInstanceNotFound Reason = "INSTANCE_NOT_FOUND"
	ReasonQueueMissing     Reason = "QUEUE_MISSING"
	ReasonInvalidPayload   Reason = "INVALID_PAYLOAD"
	ReasonStorageFailure   Reason = "STORAGE_FAILURE"
)

// IngestError is returned by the ingestion and provisioning paths.
// Recoverable errors mean the transport should redeliver the event later.
type IngestError struct {
	Reason      Reason
	Recoverable bool
	Op          string
	Err         error
}

func (e *IngestError) Error() string {
	msg := string(e.Reason)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

func recoverable(op string, reason Reason, err error) *IngestError {
	return &IngestError{Reason: reason, Recoverable: true, Op: op, Err: err}
}

func fatal(op string, reason Reason, err error) *IngestError {
	return &IngestError{Reason: reason, Recoverable: false, Op: op, Err: err}
}

// IsRecoverable reports whether err (or anything it wraps) asks for a later retry.
func IsRecoverable(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie) && ie.Recoverable
}

// ReasonOf extracts the classification of err, or "" for unclassified errors.
func ReasonOf(err error) Reason {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Reason
	}
	return ""
}
