package api

// Submission result codes returned in the response body; HTTP status is
// 200 for all business-level outcomes.
const (
	CodeSuccess            = 1
	CodeNotFound           = 3
	CodeValidationError    = 4
	CodeFailure            = 9
	CodeQueueFull          = 23
	CodeBannedPrompt       = 24
	CodeNoAvailableAccount = 25
	CodeNotAccepting       = 26
)

// submitResponse is the envelope every /mj endpoint answers with.
type submitResponse struct {
	Code        int            `json:"code"`
	Description string         `json:"description"`
	Result      string         `json:"result,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`
}

func respOK(result string) submitResponse {
	return submitResponse{Code: CodeSuccess, Description: "success", Result: result}
}

func respErr(code int, description string) submitResponse {
	return submitResponse{Code: code, Description: description}
}
