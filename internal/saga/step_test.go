package saga

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ahmeddyounes/whatsapp-commerce-hub-sub010/internal/domain"
)

func TestNewStep_Defaults(t *testing.T) {
	s := NewStep("reserve", func(ctx context.Context, sc domain.Context) (any, error) {
		return nil, nil
	})

	assert.Equal(t, "reserve", s.Name)
	assert.True(t, s.Critical)
	assert.Equal(t, defaultStepTimeout, s.Timeout)
	assert.Zero(t, s.MaxRetries)
	assert.Nil(t, s.Compensate)
}

func TestStep_WithModifiersReturnCopies(t *testing.T) {
	base := NewStep("pay", func(ctx context.Context, sc domain.Context) (any, error) {
		return nil, nil
	})

	tuned := base.
		WithCompensation(func(ctx context.Context, result any, sc domain.Context) error { return nil }).
		WithTimeout(5 * time.Second).
		WithMaxRetries(3).
		NonCritical()

	assert.NotNil(t, tuned.Compensate)
	assert.Equal(t, 5*time.Second, tuned.Timeout)
	assert.Equal(t, 3, tuned.MaxRetries)
	assert.False(t, tuned.Critical)

	// The original is untouched.
	assert.Nil(t, base.Compensate)
	assert.Equal(t, defaultStepTimeout, base.Timeout)
	assert.Zero(t, base.MaxRetries)
	assert.True(t, base.Critical)
}

func TestStepBackoff(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, stepBackoff(1))
	assert.Equal(t, 400*time.Millisecond, stepBackoff(2))
	assert.Equal(t, 800*time.Millisecond, stepBackoff(3))
	assert.Equal(t, 1600*time.Millisecond, stepBackoff(4))
	assert.Equal(t, backoffCap, stepBackoff(5))
	assert.Equal(t, backoffCap, stepBackoff(30))
	assert.Equal(t, 200*time.Millisecond, stepBackoff(0))
}
