package handler

// Response is the envelope every read API body uses, errors included.
type Response struct {
	Status  string      `json:"status"`
	Code    int         `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func NewSuccessResponse(data interface{}) *Response {
	return &Response{
		Status: "success",
		Data:   data,
	}
}

func NewErrorResponse(code int, message, traceID string) *Response {
	return &Response{
		Status:  "error",
		Code:    code,
		Message: message,
		TraceID: traceID,
	}
}
