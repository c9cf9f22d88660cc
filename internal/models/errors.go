package models

// Error kinds carried in the job row and the webhook payload. Callers only
// ever see these, never raw internal errors.
const (
	ErrKindInvalidJobSpec      = "InvalidJobSpec"
	ErrKindArtifactUnavailable = "ArtifactUnavailable"
	ErrKindConversionTransient = "ConversionTransientError"
	ErrKindConversionPermanent = "ConversionPermanentError"
	ErrKindIntegrityMismatch   = "IntegrityMismatch"
	ErrKindDeliveryExhausted   = "DeliveryExhausted"
	ErrKindCancelled           = "Cancelled"
)
