package pass

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

const testPassType = "pass.com.example.loyalty"

func TestAuthorizerAcceptsExactCredential(t *testing.T) {
	reg := NewRegistry(nil, nil)
	_, err := reg.Create(context.Background(), Record{Serial: "S1", AuthToken: "T1-0123456789abcdef"})
	require.NoError(t, err)

	auth := NewAuthorizer(testPassType, reg)
	rec, err := auth.Authorize(testPassType, "S1", "ApplePass T1-0123456789abcdef")
	require.NoError(t, err)
	require.Equal(t, "S1", rec.Serial)
}

func TestAuthorizerRejectsMalformedCredentials(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(nil, nil)
	_, err := reg.Create(ctx, Record{Serial: "S1", AuthToken: "token-one-0123456"})
	require.NoError(t, err)
	_, err = reg.Create(ctx, Record{Serial: "S2", AuthToken: "token-two-0123456"})
	require.NoError(t, err)
	auth := NewAuthorizer(testPassType, reg)

	tests := []struct {
		name     string
		passType string
		serial   string
		header   string
		want     error
	}{
		{"empty header", testPassType, "S1", "", ErrUnauthorized},
		{"wrong scheme", testPassType, "S1", "Bearer token-one-0123456", ErrUnauthorized},
		{"missing scheme", testPassType, "S1", "token-one-0123456", ErrUnauthorized},
		{"wrong token", testPassType, "S1", "ApplePass nope", ErrUnauthorized},
		{"other serial token", testPassType, "S1", "ApplePass token-two-0123456", ErrUnauthorized},
		{"lowercase scheme", testPassType, "S1", "applepass token-one-0123456", ErrUnauthorized},
		{"trailing space", testPassType, "S1", "ApplePass token-one-0123456 ", ErrUnauthorized},
		{"unknown serial", testPassType, "S9", "ApplePass token-one-0123456", ErrNotFound},
		{"wrong pass type", "pass.com.other", "S1", "ApplePass token-one-0123456", ErrUnknownPassType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := auth.Authorize(tt.passType, tt.serial, tt.header)
			require.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
