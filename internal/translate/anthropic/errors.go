package anthropic

import "encoding/json"

// ErrorBody is the Anthropic-shaped `{type:"error", error:{type,message}}` (§6).
type ErrorBody struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// RenderError builds the JSON body for a given Anthropic error type/message.
// errType is one of authentication_error, rate_limit_error, api_error,
// overloaded_error, invalid_request_error.
func RenderError(errType, message string) []byte {
	var body ErrorBody
	body.Type = "error"
	body.Error.Type = errType
	body.Error.Message = message
	data, _ := json.Marshal(body)
	return data
}
