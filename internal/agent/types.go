package agent

import "fmt"

// SessionHeader must carry the id issued by /connect on every other call.
const SessionHeader = "X-Session-ID"

type connectResponse struct {
	SessionID   string `json:"session_id"`
	CoreVersion string `json:"core_version"`
}

type pingResponse struct {
	Started     bool    `json:"started"`
	CoreVersion string  `json:"core_version"`
	CPU         float64 `json:"cpu"`
	Mem         float64 `json:"mem"`
}

type startRequest struct {
	Config string `json:"config"`
}

type updateCoreRequest struct {
	Version string `json:"version"`
}

type geoFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type updateGeoRequest struct {
	Files []geoFile `json:"files"`
}

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func httpErrorf(status int, format string, args ...any) *HTTPError {
	return &HTTPError{StatusCode: status, Message: fmt.Sprintf(format, args...)}
}
