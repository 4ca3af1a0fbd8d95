package openai

import "encoding/json"

// ErrorBody is the OpenAI-shaped `{error:{message,type,param,code}}` (§6).
type ErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// RenderError builds the JSON body for a given error type/message/param/code.
func RenderError(errType, message, param, code string) []byte {
	var body ErrorBody
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Param = param
	body.Error.Code = code
	data, _ := json.Marshal(body)
	return data
}
