/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	"code.cloudfoundry.org/bytefmt"

	"github.com/acronis/go-ratequeue/log"
)

// ErrorDomain is the domain of every error returned by the admin API.
const ErrorDomain = "RateQueue"

// ContentTypeAppJSON represents MIME media type for JSON.
const ContentTypeAppJSON = "application/json"

// Error codes.
const (
	ErrCodeInternal         = "internalError"
	ErrCodeNotFound         = "notFound"
	ErrCodeMethodNotAllowed = "methodNotAllowed"
	ErrCodeBadRequest       = "badRequest"
	ErrCodeInvalidRate      = "invalidRate"
	ErrCodeTooLarge         = "requestEntityTooLarge"
	ErrCodeTooManyRequests  = "tooManyRequests"
	ErrCodeQueueTerminated  = "queueTerminated"
	ErrCodeProcessingFailed = "processingFailed"
	ErrCodeTimeout          = "timeout"
)

// StatusClientClosedRequest is used (as Nginx does) when the client went away before the response was ready.
const StatusClientClosedRequest = 499

// Error represents an error details.
type Error struct {
	Domain  string                 `json:"domain"`
	Code    string                 `json:"code"`
	Message string                 `json:"message,omitempty"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// NewError creates a new Error in ErrorDomain.
func NewError(code, message string) *Error {
	return &Error{Domain: ErrorDomain, Code: code, Message: message}
}

// AddContext adds value to error context.
func (e *Error) AddContext(field string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[field] = value
	return e
}

// ErrorResponseData is the body of every error response.
type ErrorResponseData struct {
	Err *Error `json:"error"`
}

// Does JSON marshaling with disabled HTML escaping.
func jsonMarshal(v interface{}) ([]byte, error) {
	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(v); err != nil {
		return nil, err
	}
	return buffer.Bytes()[:buffer.Len()-1], nil
}

// RespondJSON sends a response with the passed status code and respData marshaled as JSON.
// A nil respData means an empty body.
func RespondJSON(rw http.ResponseWriter, statusCode int, respData interface{}, logger log.FieldLogger) {
	if respData == nil {
		rw.WriteHeader(statusCode)
		return
	}
	respJSON, err := jsonMarshal(respData)
	if err != nil {
		logger.Error("error while marshaling json for response body", log.Error(err))
		rw.WriteHeader(http.StatusInternalServerError)
		return
	}
	rw.Header().Set("Content-Type", ContentTypeAppJSON)
	rw.WriteHeader(statusCode)
	if _, err = rw.Write(respJSON); err != nil {
		logger.Error("error while writing response body", log.Error(err))
	}
}

// RespondError writes err wrapped into ErrorResponseData and logs its code and message.
func RespondError(rw http.ResponseWriter, statusCode int, err *Error, logger log.FieldLogger) {
	logger.Warn("responding with error",
		log.Int("status", statusCode), log.String("error_code", err.Code), log.String("error_message", err.Message))
	RespondJSON(rw, statusCode, ErrorResponseData{err}, logger)
}

// RespondInternalError sends 500 with the internal error in body.
func RespondInternalError(rw http.ResponseWriter, logger log.FieldLogger) {
	RespondError(rw, http.StatusInternalServerError, NewError(ErrCodeInternal, "Internal error."), logger)
}

// MalformedRequestError is an error that occurs in case of incorrect request.
type MalformedRequestError struct {
	HTTPStatusCode int
	Code           string
	Message        string
}

// Error returns a string representation of MalformedRequestError.
func (e *MalformedRequestError) Error() string {
	return e.Message
}

// decodeRequestJSON limits the body to maxSize bytes (0 means no limit) and decodes it into dst.
func decodeRequestJSON(rw http.ResponseWriter, r *http.Request, dst interface{}, maxSize uint64) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err != nil || mediaType != ContentTypeAppJSON {
			return &MalformedRequestError{
				http.StatusUnsupportedMediaType, "unsupportedMediaType",
				fmt.Sprintf("Content-Type must be %q.", ContentTypeAppJSON),
			}
		}
	}

	body := r.Body
	if maxSize > 0 {
		body = http.MaxBytesReader(rw, r.Body, int64(maxSize))
	}
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return &MalformedRequestError{
				http.StatusRequestEntityTooLarge, ErrCodeTooLarge,
				fmt.Sprintf("Request body must not be larger than %s.", bytefmt.ByteSize(maxSize)),
			}
		}
		if errors.Is(err, io.EOF) {
			return &MalformedRequestError{http.StatusBadRequest, ErrCodeBadRequest, "Request body must not be empty."}
		}
		return &MalformedRequestError{
			http.StatusBadRequest, ErrCodeBadRequest, fmt.Sprintf("Request body contains malformed JSON: %v.", err),
		}
	}
	return nil
}

// respondMalformedRequestOrInternalError responds with the MalformedRequestError's status or 500.
func respondMalformedRequestOrInternalError(rw http.ResponseWriter, err error, logger log.FieldLogger) {
	var reqErr *MalformedRequestError
	if errors.As(err, &reqErr) {
		RespondError(rw, reqErr.HTTPStatusCode, NewError(reqErr.Code, reqErr.Message), logger)
		return
	}
	logger.Error("unexpected error while handling request", log.Error(err))
	RespondInternalError(rw, logger)
}
