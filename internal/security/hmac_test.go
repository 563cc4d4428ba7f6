package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignRequestIsStableAndKeyed(t *testing.T) {
	a := SignRequest("POST", "/api/clients", 100, []byte(`{"x":1}`), "s1")
	b := SignRequest("POST", "/api/clients", 100, []byte(`{"x":1}`), "s1")
	c := SignRequest("POST", "/api/clients", 100, []byte(`{"x":1}`), "s2")
	d := SignRequest("POST", "/api/clients", 101, []byte(`{"x":1}`), "s1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
}

func TestVerifyHMAC(t *testing.T) {
	sig := ComputeHMAC([]byte("payload"), "secret")
	assert.True(t, VerifyHMAC([]byte("payload"), "secret", sig))
	assert.False(t, VerifyHMAC([]byte("payload!"), "secret", sig))
}

func TestVerifyRequest(t *testing.T) {
	body := []byte(`{"x":1}`)
	sig := SignRequest("PUT", "/api/clients/a", 100, body, "s1")
	assert.True(t, VerifyRequest("PUT", "/api/clients/a", 100, body, "s1", sig))
	assert.False(t, VerifyRequest("PUT", "/api/clients/b", 100, body, "s1", sig))
	assert.False(t, VerifyRequest("PUT", "/api/clients/a", 100, body, "s2", sig))
}

func TestKeysEqual(t *testing.T) {
	assert.True(t, KeysEqual("abc", "abc"))
	assert.False(t, KeysEqual("abc", "abd"))
	assert.False(t, KeysEqual("abc", ""))
}

func TestGenerateSecret(t *testing.T) {
	s, err := GenerateSecret(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)
}
