package api_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kode4food/stalwart/pkg/api"
)

func TestConcurrencyConflictError(t *testing.T) {
	id := api.NewFlowID("Invoice", "42")
	err := fmt.Errorf("wrapped: %w", api.NewConcurrencyConflict(id, 2, "succeed"))

	assert.ErrorIs(t, err, api.ErrConcurrencyConflict)
	assert.NotErrorIs(t, err, api.ErrUnexpectedState)

	var cc *api.ConcurrencyConflictError
	assert.True(t, errors.As(err, &cc))
	assert.Equal(t, id, cc.ID)
	assert.Equal(t, api.Epoch(2), cc.Epoch)
	assert.Contains(t, err.Error(), "Invoice/42")
}

func TestFlowFailedError(t *testing.T) {
	err := &api.FlowFailedError{
		ID:      api.NewFlowID("Invoice", "42"),
		Message: "boom",
		Type:    "*errors.errorString",
	}
	assert.ErrorIs(t, err, api.ErrFlowFailed)
	assert.Contains(t, err.Error(), "boom")
}

func TestNewStoredException(t *testing.T) {
	exc := api.NewStoredException(errors.New("boom"))
	assert.Equal(t, "boom", exc.Message)
	assert.Equal(t, "*errors.errorString", exc.Type)

	assert.Equal(t, "unknown failure", api.NewStoredException(nil).Message)
}
