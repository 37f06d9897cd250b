package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCloneKeepsIdentity(t *testing.T) {
	err := Clone(ErrInvalidRelationReference, "assignedTo: relation reference requires an id")
	assert.True(t, errors.Is(err, ErrInvalidRelationReference))
	assert.False(t, errors.Is(err, ErrUnresolvableReference))
	assert.Equal(t, http.StatusBadRequest, err.Status)
}

func TestFromErrorWrapsUnknown(t *testing.T) {
	appErr := FromError(fmt.Errorf("boom"))
	assert.Equal(t, ErrInternal.Code, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.Status)

	wrapped := fmt.Errorf("outer: %w", Clone(ErrNotFound, "maintenance request not found"))
	assert.Equal(t, ErrNotFound.Code, FromError(wrapped).Code)
	assert.Nil(t, FromError(nil))
}
