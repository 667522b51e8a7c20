package protocol

// Message type constants for transfer event envelopes.
const (
	TypeTransferProgress  = "transfer_progress"
	TypeTransferTempError = "transfer_temp_error"
	TypeTransferComplete  = "transfer_complete"
	TypeTransferFailed    = "transfer_failed"
)
