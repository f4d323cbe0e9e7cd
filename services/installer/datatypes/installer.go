package datatypes

type InstallRequest struct {
	URL string `json:"url" binding:"required,url"`
	// Directory and Filename are resolved from the URL path when omitted.
	Directory string `json:"directory" binding:"omitempty"`
	Filename  string `json:"filename" binding:"omitempty,artifactname"`
	// Path optionally pins the storage root instead of auto-selection.
	Path string `json:"path,omitempty"`
}

type InstallResponse struct {
	Status   string `json:"status"`
	Folder   string `json:"folder"`
	Path     string `json:"path"`
	Expected int64  `json:"expected_bytes"`
}

type StatusResponse struct {
	State    string `json:"state"`
	Present  bool   `json:"present"`
	Size     int64  `json:"size"`
	Expected int64  `json:"expected_bytes"`
	Folder   string `json:"folder"`
	Path     string `json:"path"`
	Error    string `json:"error,omitempty"`
}

type ExpectedSizeResponse struct {
	URL      string `json:"url"`
	Expected int64  `json:"expected_bytes"`
}

type UninstallRequest struct {
	Directory string `json:"directory" binding:"required"`
	Filename  string `json:"filename" binding:"required,artifactname"`
}

type UninstallResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

type AuthStatusResponse struct {
	Authenticated bool `json:"authenticated"`
}

type LoginRequest struct {
	Token string `json:"token" binding:"required"`
}

type ErrorResponse struct {
	ErrorCode   string `json:"error_code"`
	Error       string `json:"error"`
	Detail      string `json:"detail,omitempty"`
	Remediation string `json:"remediation,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

type HealthResponse struct {
	Status    string        `json:"status"`
	Service   string        `json:"service"`
	Templates TemplateStats `json:"templates"`
}

type TemplateStats struct {
	Entries int    `json:"entries"`
	Sources int    `json:"sources"`
	BuiltAt string `json:"built_at,omitempty"`
}

// ProgressEvent is one frame of the websocket progress stream.
type ProgressEvent struct {
	State    string `json:"state"`
	Size     int64  `json:"size"`
	Expected int64  `json:"expected_bytes"`
	Error    string `json:"error,omitempty"`
}
