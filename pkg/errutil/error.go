package errutil

import (
	"errors"
	"fmt"
)

type Detail struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type BaseError struct {
	Code    CoreStatus `json:"code"`
	Message string     `json:"message"`
	Details []Detail   `json:"details,omitempty"`
	Err     error      `json:"-"`
}

func (e BaseError) Status() CoreStatus {
	return e.Code
}

func (e BaseError) Unwrap() error {
	return e.Err
}

func (e BaseError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.messageWithErr())
}

// Text is the message without the status prefix, suitable for result rows.
func (e BaseError) Text() string {
	return e.messageWithErr()
}

func (e BaseError) messageWithErr() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

type Option func(*BaseError)

func WithDetails(details ...Detail) Option {
	return func(be *BaseError) { be.Details = details }
}

func WithErr(err error) Option {
	return func(be *BaseError) { be.Err = err }
}

func New(code CoreStatus, message string, opts ...Option) error {
	be := BaseError{Code: code, Message: message}
	for _, opt := range opts {
		opt(&be)
	}
	return be
}

func newWith(code CoreStatus, msg string, err error, options []Option) error {
	if err != nil {
		options = append([]Option{WithErr(err)}, options...)
	}
	return New(code, msg, options...)
}

// StatusOf reports the CoreStatus carried anywhere in err's chain.
func StatusOf(err error) CoreStatus {
	var be BaseError
	if errors.As(err, &be) {
		return be.Code
	}
	return StatusUnknown
}

// Is reports whether err carries the given status.
func Is(err error, code CoreStatus) bool {
	return err != nil && StatusOf(err) == code
}

func NotFound(msg string, err error, options ...Option) error {
	return newWith(StatusNotFound, msg, err, options)
}

func Conflict(msg string, err error, options ...Option) error {
	return newWith(StatusConflict, msg, err, options)
}

func BadRequest(msg string, err error, options ...Option) error {
	return newWith(StatusBadRequest, msg, err, options)
}

func ValidationFailed(msg string, err error, options ...Option) error {
	return newWith(StatusValidationFailed, msg, err, options)
}

func Internal(msg string, err error, options ...Option) error {
	return newWith(StatusInternal, msg, err, options)
}

func Timeout(msg string, err error, options ...Option) error {
	return newWith(StatusTimeout, msg, err, options)
}

func Unauthorized(msg string, err error, options ...Option) error {
	return newWith(StatusUnauthorized, msg, err, options)
}

func Unavailable(msg string, err error, options ...Option) error {
	return newWith(StatusServiceUnavailable, msg, err, options)
}

func BadGateway(msg string, err error, options ...Option) error {
	return newWith(StatusBadGateway, msg, err, options)
}

// Message is err's text without the status prefix when err itself is a
// BaseError. Wrapping errors keep their own text.
func Message(err error) string {
	if be, ok := err.(BaseError); ok {
		return be.Text()
	}
	return err.Error()
}
