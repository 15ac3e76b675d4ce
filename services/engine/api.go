package engine

// API error taxonomy shared by the HTTP and CLI surfaces.

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e APIError) Error() string {
	if e.Details == "" {
		return e.Code + ": " + e.Message
	}
	return e.Code + ": " + e.Message + ": " + e.Details
}

// WithDetails returns a copy of e carrying details.
func (e APIError) WithDetails(details string) *APIError {
	e.Details = details
	return &e
}

var (
	ErrInvalidRun      = APIError{Code: "INVALID_RUN", Message: "Run definition is invalid"}
	ErrDataNotFound    = APIError{Code: "DATA_NOT_FOUND", Message: "Required data not available"}
	ErrExecutionFailed = APIError{Code: "EXECUTION_FAILED", Message: "Simulation failed"}
	ErrJobNotFound     = APIError{Code: "JOB_NOT_FOUND", Message: "No such backtest"}
	ErrBusy            = APIError{Code: "BUSY", Message: "Too many backtests queued"}
	ErrUnauthorized    = APIError{Code: "UNAUTHORIZED", Message: "Missing or invalid token"}
	ErrRateLimited     = APIError{Code: "RATE_LIMITED", Message: "Too many requests"}
)

type BacktestRunResponse struct {
	JobID  string    `json:"job_id"`
	Status JobState  `json:"status"`
	Error  *APIError `json:"error,omitempty"`
}

type BacktestResultResponse struct {
	JobID   string    `json:"job_id"`
	Status  JobState  `json:"status"`
	Results *Result   `json:"results,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// ResultResponse renders a job status for the API.
func ResultResponse(st JobStatus) BacktestResultResponse {
	resp := BacktestResultResponse{JobID: st.ID, Status: st.State, Results: st.Result}
	if st.State == JobFailed {
		resp.Error = ErrExecutionFailed.WithDetails(st.Error)
	}
	return resp
}
