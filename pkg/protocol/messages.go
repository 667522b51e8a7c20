package protocol

// TransferProgress reports bytes completed so far.
type TransferProgress struct {
	Direction  string `json:"direction"`
	Size       int64  `json:"size"`
	Completed  int64  `json:"completed"`
	Contiguous int64  `json:"contiguous"`
	Speed      int64  `json:"speed"`
	MeanSpeed  int64  `json:"mean_speed"`
}

// TransferTempError reports a failure the client is retrying on its own.
type TransferTempError struct {
	Direction string `json:"direction"`
	Error     string `json:"error"`
}

// TransferComplete is sent once per transfer. Uploads carry the upload token
// and the file key, both base64url encoded.
type TransferComplete struct {
	Direction   string `json:"direction"`
	Size        int64  `json:"size"`
	UploadToken string `json:"upload_token,omitempty"`
	FileKey     string `json:"file_key,omitempty"`
}

// TransferFailed ends an attempt. A retryable failure is rescheduled after
// BackoffMS.
type TransferFailed struct {
	Direction string `json:"direction"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	BackoffMS int64  `json:"backoff_ms,omitempty"`
}
