package internal

const (
	FailedLogTopic = "failed_log"
)

type (
	// FailedLogData locates a contract log that could not be decoded.
	FailedLogData struct {
		Contract    string `json:"contract"`
		BlockNumber uint64 `json:"block_number"`
		TxHash      string `json:"tx_hash"`
		LogIndex    uint   `json:"log_index"`
		Error       string `json:"error,omitempty"`
	}
)
