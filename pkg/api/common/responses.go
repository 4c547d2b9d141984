package common

// ErrorResponse is the standard error envelope returned by all endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// MessageResponse is a simple acknowledgement response
type MessageResponse struct {
	Message string `json:"message"`
}
