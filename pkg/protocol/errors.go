package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnavailable        = "UNAVAILABLE"
	ErrAgentTimeout       = "AGENT_TIMEOUT"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrQueueFull          = "QUEUE_FULL"
	ErrAgentBusy          = "AGENT_BUSY"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrInternal           = "INTERNAL"
)

// IsRetryable reports whether a request that failed with code may succeed
// if sent again unchanged.
func IsRetryable(code string) bool {
	switch code {
	case ErrUnavailable, ErrAgentTimeout, ErrQueueFull, ErrAgentBusy, ErrResourceExhausted:
		return true
	}
	return false
}
