package xerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Codes double as the "code" field of HTTP error bodies.
const (
	OK                  = 200
	RequestParamsError  = 400
	Unauthorized        = 401
	RecordNotFound      = 404
	StateConflict       = 409
	TooManyRequests     = 429
	ServerCommonError   = 500
	DbError             = 501
	UpstreamRejected    = 502
	UpstreamUnavailable = 503
)

type CodeError struct {
	Code  int    `json:"code"`
	Msg   string `json:"msg"`
	cause error
}

func (e *CodeError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("ErrCode:%d, Msg:%s: %v", e.Code, e.Msg, e.cause)
	}
	return fmt.Sprintf("ErrCode:%d, Msg:%s", e.Code, e.Msg)
}

func (e *CodeError) Unwrap() error { return e.cause }

func New(code int, msg string) error {
	return &CodeError{Code: code, Msg: msg}
}

func NewErrCode(code int) error {
	return &CodeError{Code: code, Msg: MapErrMsg(code)}
}

// Wrap attaches a code and a client-safe message to err. errors.Is/As still see err.
func Wrap(err error, code int, msg string) error {
	if err == nil {
		return nil
	}
	return &CodeError{Code: code, Msg: msg, cause: err}
}

// CodeOf returns the code of the first CodeError in err's chain, or ServerCommonError.
func CodeOf(err error) int {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ServerCommonError
}

// MessageOf returns the client-safe message of the first CodeError in err's chain.
func MessageOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return MapErrMsg(ServerCommonError)
}

// HTTPStatus maps a code onto the status line it is served with.
func HTTPStatus(code int) int {
	switch code {
	case RequestParamsError:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case RecordNotFound:
		return http.StatusNotFound
	case StateConflict:
		return http.StatusConflict
	case TooManyRequests:
		return http.StatusTooManyRequests
	case UpstreamRejected:
		return http.StatusBadGateway
	case UpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func MapErrMsg(code int) string {
	switch code {
	case ServerCommonError:
		return "internal error"
	case RequestParamsError:
		return "invalid request"
	case Unauthorized:
		return "unauthorized"
	case DbError:
		return "database busy"
	case RecordNotFound:
		return "record not found"
	case StateConflict:
		return "state conflict"
	case TooManyRequests:
		return "too many requests"
	case UpstreamRejected:
		return "upstream rejected the request"
	case UpstreamUnavailable:
		return "upstream unavailable, retry later"
	default:
		return "unknown error"
	}
}
