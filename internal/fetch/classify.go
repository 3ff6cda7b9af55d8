package fetch

import (
	"context"
	"errors"
	"net"
	"net/url"

	"github.com/webscrape/fetchcore/internal/errs"
)

// classify maps a raw attempt error (and HTTP status, if any) onto one of
// the closed error kinds.
func classify(err error, status int) errs.Kind {
	if status >= 400 && status < 500 {
		return errs.KindHTTPError4xx
	}
	if status >= 500 {
		return errs.KindHTTPError5xx
	}

	if err == nil {
		return errs.KindConnectionError
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return errs.KindTimeout
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return errs.KindTimeout
		}
		if _, ok := urlErr.Err.(*net.OpError); ok {
			return errs.KindConnectionError
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return errs.KindTimeout
		}
		return errs.KindConnectionError
	}

	var fe *errs.Error
	if errors.As(err, &fe) {
		return fe.Kind
	}

	return errs.KindProxyError
}
