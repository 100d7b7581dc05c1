package model

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, KindNotFound, KindOf(NewError(KindNotFound, "gone")))
	require.Equal(t, KindQueueLimit, KindOf(fmt.Errorf("outer: %w", NewError(KindQueueLimit, "full"))))
	require.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestErrorfWrapping(t *testing.T) {
	cause := errors.New("root cause")
	err := Errorf(KindStoreUnavailable, "store: %w", cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "STORE_UNAVAILABLE")
	require.Contains(t, err.Error(), "root cause")
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindChallengeExpired, http.StatusUnauthorized},
		{KindSignatureInvalid, http.StatusUnauthorized},
		{KindTokenExpired, http.StatusUnauthorized},
		{KindACLDenied, http.StatusForbidden},
		{KindForbidden, http.StatusForbidden},
		{KindQueueLimit, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{KindMalformed, http.StatusBadRequest},
		{KindResolutionFailed, http.StatusBadRequest},
		{KindStoreUnavailable, http.StatusServiceUnavailable},
		{KindInternal, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, tc.kind.HTTPStatus(), string(tc.kind))
	}
}

func TestProblemCode(t *testing.T) {
	require.Equal(t, "e.p.me.authentication", KindTokenExpired.ProblemCode())
	require.Equal(t, "e.p.msg.malformed", KindMalformed.ProblemCode())
	require.Equal(t, "e.p.me.res.storage", KindQueueLimit.ProblemCode())
	require.Equal(t, "e.p.me.internal", KindInternal.ProblemCode())
}
