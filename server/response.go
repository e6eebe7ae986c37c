package server

// Response is the envelope of every API reply. Code is 0 on success and the
// HTTP status otherwise.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// Success wraps data in a success response.
func Success(data any) Response {
	return Response{
		Code:    0,
		Message: "success",
		Data:    data,
	}
}

// Error builds a failure response.
func Error(code int, message string) Response {
	return Response{
		Code:    code,
		Message: message,
		Data:    nil,
	}
}
