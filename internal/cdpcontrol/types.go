package cdpcontrol

import (
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
)

const (
	CodeValidation         = "VALIDATION"
	CodeDriverMissing      = "DRIVER_MISSING"
	CodeBrowserUnavailable = "BROWSER_UNAVAILABLE"
	CodeElementNotFound    = "ELEMENT_NOT_FOUND"
	CodeDialogTimeout      = "DIALOG_TIMEOUT"
	CodeAutomationFailure  = "AUTOMATION_FAILURE"
	CodeRunInProgress      = "RUN_IN_PROGRESS"
)

// CodedError is a typed error used for stable exit-code and API mapping.
type CodedError struct {
	Code    string
	Message string
	Cause   error
}

func (e *CodedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *CodedError) Unwrap() error { return e.Cause }

// NewError builds a CodedError.
func NewError(code, msg string, cause error) error {
	return &CodedError{Code: code, Message: msg, Cause: cause}
}

func newError(code, msg string, cause error) error {
	return NewError(code, msg, cause)
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code string) bool {
	var coded *CodedError
	return errors.As(err, &coded) && coded.Code == code
}

// Element is a located DOM node. Selector is kept for logs.
type Element struct {
	Selector string
	node     *cdp.Node
}

func (e Element) String() string { return e.Selector }
