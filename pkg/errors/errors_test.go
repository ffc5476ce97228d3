package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(ErrEmptyMessage))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(ErrConversationNotFound))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(ErrNoAccess))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(ErrUnauthorized))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(ErrPersistence(stderrors.New("db down"))))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("plain")))
}

func TestWrappedAppErrorKeepsIdentity(t *testing.T) {
	wrapped := fmt.Errorf("send: %w", ErrNoAccess)

	assert.True(t, stderrors.Is(wrapped, ErrNoAccess))
	assert.Equal(t, CodePermissionDenied, CodeOf(wrapped))
	assert.Equal(t, "У вас нет доступа к этому чату", PublicMessage(wrapped))
}

func TestPersistenceErrorUnwrapsCause(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := ErrPersistence(cause)

	assert.True(t, stderrors.Is(err, cause))
	assert.Equal(t, "internal error", PublicMessage(stderrors.New("boom")))
	assert.Contains(t, err.Error(), "connection refused")
}
