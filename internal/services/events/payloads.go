package events

// Typed payloads carried by the session pipeline events. The websocket
// subscriber marshals these as-is, so field names are part of the client
// contract.

type SessionCreatedPayload struct {
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	FileCount  int    `json:"file_count"`
	TotalPages int    `json:"total_pages"`
}

type SessionStatusPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Error     string `json:"error,omitempty"`
}

type SessionProgressPayload struct {
	SessionID      string `json:"session_id"`
	UserID         string `json:"user_id"`
	Status         string `json:"status"`
	TotalPages     int    `json:"total_pages"`
	ProcessedPages int    `json:"processed_pages"`
}

type SessionExpiredPayload struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

type JobStatusPayload struct {
	JobID      string `json:"job_id"`
	SessionID  string `json:"session_id"`
	UserID     string `json:"user_id"`
	PageNumber int    `json:"page_number,omitempty"`
	From       string `json:"from"`
	To         string `json:"to"`
	Error      string `json:"error,omitempty"`
}
