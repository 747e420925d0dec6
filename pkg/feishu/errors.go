// Copyright 2024-2026 Aiku AI

package feishu

import (
	"errors"
	"fmt"
)

// Known Feishu platform error codes the bridge reacts to specifically.
const (
	CodeTokenInvalid   = 99991663
	CodeTokenExpired   = 99991661
	CodeAppTicketError = 99991668
	CodeRateLimited    = 99991400
)

// Error is a failed Feishu API call: either a non-2xx HTTP response or a
// response envelope with a non-zero code.
type Error struct {
	API        string
	HTTPStatus int
	Code       int
	Msg        string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("feishu %s: code=%d msg=%s", e.API, e.Code, e.Msg)
	}
	return fmt.Sprintf("feishu %s: http status %d", e.API, e.HTTPStatus)
}

// TokenError reports whether the call failed because the tenant token is
// missing, expired or otherwise rejected. The client refreshes and retries
// once on these.
func (e *Error) TokenError() bool {
	switch e.Code {
	case CodeTokenInvalid, CodeTokenExpired, CodeAppTicketError:
		return true
	}
	return false
}

// RateLimited reports whether Feishu throttled the call.
func (e *Error) RateLimited() bool {
	return e.HTTPStatus == 429 || e.Code == CodeRateLimited
}

// Temporary reports whether retrying with backoff makes sense.
func (e *Error) Temporary() bool {
	return e.RateLimited() || e.HTTPStatus >= 500
}

// AuthError reports a credential problem that retries will not fix.
func (e *Error) AuthError() bool {
	if e.TokenError() {
		return false
	}
	return e.HTTPStatus == 401 || e.HTTPStatus == 403
}

// ErrMediaTooLarge is returned before any network I/O when a payload
// exceeds the platform size limit for its kind.
var ErrMediaTooLarge = errors.New("media exceeds size limit")

// AsError unwraps a Feishu API error from an error chain.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
