package translate

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ValidationError describes a client-caused request defect. The message is
// returned to the client inside an invalid_request_error envelope.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Validate checks a parsed OpenAI chat-completions request body against the
// schema rules the proxy enforces before translation.
func Validate(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return invalid("request body is not valid JSON")
	}

	if strings.TrimSpace(gjson.GetBytes(raw, "model").String()) == "" {
		return invalid("field 'model' is required")
	}

	msgs := gjson.GetBytes(raw, "messages")
	if !msgs.IsArray() || len(msgs.Array()) == 0 {
		return invalid("field 'messages' must be a non-empty array")
	}
	for i, msg := range msgs.Array() {
		if strings.TrimSpace(msg.Get("role").String()) == "" {
			return invalid("messages[%d]: field 'role' is required", i)
		}
		if err := validateContent(msg.Get("content"), i); err != nil {
			return err
		}
	}

	if t := gjson.GetBytes(raw, "temperature"); t.Exists() {
		if t.Type != gjson.Number || t.Float() < 0 || t.Float() > 2 {
			return invalid("field 'temperature' must be a number in [0, 2]")
		}
	}
	if mt := gjson.GetBytes(raw, "max_tokens"); mt.Exists() {
		if mt.Type != gjson.Number || mt.Int() <= 0 {
			return invalid("field 'max_tokens' must be a positive integer")
		}
	}
	if tp := gjson.GetBytes(raw, "top_p"); tp.Exists() {
		if tp.Type != gjson.Number || tp.Float() < 0 || tp.Float() > 1 {
			return invalid("field 'top_p' must be a number in [0, 1]")
		}
	}

	return nil
}

// validateContent accepts a non-blank string or a non-empty array of content
// parts.
func validateContent(content gjson.Result, i int) error {
	switch {
	case content.Type == gjson.String:
		if strings.TrimSpace(content.String()) == "" {
			return invalid("messages[%d]: field 'content' must not be blank", i)
		}
	case content.IsArray():
		if len(content.Array()) == 0 {
			return invalid("messages[%d]: field 'content' must not be an empty array", i)
		}
	default:
		return invalid("messages[%d]: field 'content' must be a string or an array of content parts", i)
	}
	return nil
}
