package client

// Status mirrors the supervisor status JSON served by the framegate API.
type Status struct {
	State       string    `json:"state"`
	Generation  uint64    `json:"generation"`
	PID         int       `json:"pid"`
	Restarts    int       `json:"restarts"`
	Sessions    []Session `json:"sessions"`
	Undecodable []string  `json:"undecodable"`
}

// Session is one decode session row.
type Session struct {
	ID         uint64 `json:"id"`
	Locator    string `json:"locator"`
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
}

// RestartResponse reports the generation after a forced restart.
type RestartResponse struct {
	Generation uint64 `json:"generation"`
}

// HealthResponse is the healthz body.
type HealthResponse struct {
	State string `json:"state"`
}

// ErrorResponse is the error body returned by the API.
type ErrorResponse struct {
	Error string `json:"error"`
}
