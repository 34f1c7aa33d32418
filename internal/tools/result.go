package tools

// Result is a tool's outcome. Errors are represented as content with
// IsError=true, never returned as a Go error at this boundary (spec §3:
// "errors returned as strings with is_error=true, never by exception").
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

func NewResult(content string) *Result { return &Result{Content: content} }

func ErrorResult(message string) *Result { return &Result{Content: message, IsError: true} }
