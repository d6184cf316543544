package tokenx

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	cases := []struct {
		code ErrorCode
		kind error
	}{
		{ErrCodeSigning, ErrSigning},
		{ErrCodeUnsupportedClaim, ErrSigning},
		{ErrCodeSelfValidation, ErrSigning},
		{ErrCodeInvalidArgument, ErrArgument},
		{ErrCodeInvalidToken, ErrValidation},
		{ErrCodeExpired, ErrValidation},
		{ErrCodeKeysUnavailable, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(string(tc.code), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", newError(tc.code, errors.New("cause")))
			assert.ErrorIs(t, err, tc.kind)
			for _, other := range []error{ErrSigning, ErrValidation, ErrArgument} {
				if other != tc.kind {
					assert.NotErrorIs(t, err, other)
				}
			}
			assert.Equal(t, tc.code, CodeOf(err))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := newError(ErrCodeExpired, errors.New("exp not satisfied"))
	assert.Equal(t, "Token expired: exp not satisfied", err.Error())
	assert.Equal(t, "custom_code", (&Error{Code: "custom_code"}).Error())
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
}
