package cmd

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type FakeKeyStore struct {
	key string
}

func (f *FakeKeyStore) Get() (string, error) { return f.key, nil }

func (f *FakeKeyStore) Set(key string) error {
	f.key = key
	return nil
}

func (f *FakeKeyStore) Delete() error {
	f.key = ""
	return nil
}

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestAuthLogin(t *testing.T) {
	setupStdoutCapture(t)
	keys := &FakeKeyStore{}
	c := AuthCmd{keys: keys, getenv: env(nil)}

	require.NoError(t, c.Login(context.Background(), AuthLoginInput{APIKey: "  sk_test_123456789  "}))
	assert.Equal(t, "sk_test_123456789", keys.key)
	assert.Error(t, c.Login(context.Background(), AuthLoginInput{APIKey: " "}))
}

func TestAuthLogout_WarnsAboutEnv(t *testing.T) {
	setupStdoutCapture(t)
	keys := &FakeKeyStore{key: "sk_saved"}
	c := AuthCmd{keys: keys, getenv: env(map[string]string{envAPIKey: "sk_env"})}

	require.NoError(t, c.Logout(context.Background()))
	assert.Empty(t, keys.key)
	assert.Contains(t, outBuf.String(), envAPIKey)
}

func TestAuthStatus(t *testing.T) {
	tests := []struct {
		name   string
		stored string
		env    map[string]string
		want   AuthStatus
	}{
		{name: "logged out", want: AuthStatus{}},
		{name: "keyring", stored: "sk_live_abcdefgh", want: AuthStatus{Authenticated: true, Source: "keyring", Key: "sk_l********efgh"}},
		{name: "env wins", stored: "sk_live_abcdefgh", env: map[string]string{envAPIKey: "short"}, want: AuthStatus{Authenticated: true, Source: "environment", Key: "*****"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			done := captureStdout(t)
			c := AuthCmd{keys: &FakeKeyStore{key: tt.stored}, getenv: env(tt.env)}
			require.NoError(t, c.Status(context.Background(), AuthStatusInput{Output: "json"}))

			var got AuthStatus
			require.NoError(t, json.Unmarshal([]byte(done()), &got))
			assert.Equal(t, tt.want, got)
		})
	}
}
