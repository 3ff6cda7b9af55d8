package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/webscrape/fetchcore/internal/errs"
)

func TestClassify_StatusCodes(t *testing.T) {
	assert.Equal(t, errs.KindHTTPError4xx, classify(errors.New("not found"), 404))
	assert.Equal(t, errs.KindHTTPError5xx, classify(errors.New("boom"), 502))
}

func TestClassify_DeadlineExceeded(t *testing.T) {
	assert.Equal(t, errs.KindTimeout, classify(context.DeadlineExceeded, 0))
}

func TestClassify_WrappedFetchcoreError(t *testing.T) {
	wrapped := errs.New(errs.KindNoProxyAvailable, "no proxies")
	assert.Equal(t, errs.KindNoProxyAvailable, classify(wrapped, 0))
}

func TestClassify_UnknownErrorDefaultsToProxyError(t *testing.T) {
	assert.Equal(t, errs.KindProxyError, classify(errors.New("mystery"), 0))
}

func TestKind_Retryable(t *testing.T) {
	assert.False(t, errs.KindHTTPError4xx.Retryable())
	assert.True(t, errs.KindHTTPError5xx.Retryable())
	assert.True(t, errs.KindTimeout.Retryable())
}
