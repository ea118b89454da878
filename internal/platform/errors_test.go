package platform

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	cause := errors.New("boom")

	err := classifyStatus("op", 429, 3*time.Second, cause)
	assert.True(t, IsRateLimited(err))
	var rl *RateLimitedError
	assert.ErrorAs(t, err, &rl)
	assert.Equal(t, 3*time.Second, rl.RetryAfter)

	assert.True(t, IsTransient(classifyStatus("op", 500, 0, cause)))
	assert.True(t, IsTransient(classifyStatus("op", 503, 0, cause)))
	assert.True(t, IsPermanent(classifyStatus("op", 400, 0, cause)))
	assert.True(t, IsPermanent(classifyStatus("op", 422, 0, cause)))
}

func TestClassificationSurvivesWrapping(t *testing.T) {
	inner := &TransientError{Op: "update_product", Err: errors.New("timeout")}
	wrapped := fmt.Errorf("applying X-100: %w", inner)

	assert.True(t, IsTransient(wrapped))
	assert.False(t, IsPermanent(wrapped))
	assert.False(t, IsRateLimited(wrapped))
}

func TestFatalErrorUnwraps(t *testing.T) {
	cause := errors.New("connection refused")
	err := &FatalError{Err: cause}

	assert.True(t, IsFatal(fmt.Errorf("startup: %w", err)))
	assert.ErrorIs(t, err, cause)
}
