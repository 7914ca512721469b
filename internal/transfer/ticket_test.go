package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssuer_RoundTrip(t *testing.T) {
	iss, err := NewIssuer([]byte("master-secret"), time.Minute)
	require.NoError(t, err)

	token, err := iss.Issue("t-1", "/music/a.flac", "s1", "s2")
	require.NoError(t, err)

	claims, err := iss.Verify(token, "s2")
	require.NoError(t, err)
	assert.Equal(t, "/music/a.flac", claims.Path)
	assert.Equal(t, "s1", claims.Src)
	assert.Equal(t, "s2", claims.Dst)
	assert.Equal(t, "t-1", claims.ID)
}

func TestIssuer_Rejects(t *testing.T) {
	iss, err := NewIssuer([]byte("master-secret"), time.Minute)
	require.NoError(t, err)
	token, err := iss.Issue("t-1", "/a", "s1", "s2")
	require.NoError(t, err)

	t.Run("other slave", func(t *testing.T) {
		_, err := iss.Verify(token, "s1")
		assert.Error(t, err)
	})

	t.Run("other secret", func(t *testing.T) {
		other, err := NewIssuer([]byte("different"), time.Minute)
		require.NoError(t, err)
		_, err = other.Verify(token, "s2")
		assert.Error(t, err)
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := iss.Verify(token[:len(token)-2]+"xx", "s2")
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		late, err := NewIssuer([]byte("master-secret"), time.Minute)
		require.NoError(t, err)
		late.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
		_, err = late.Verify(token, "s2")
		assert.Error(t, err)
	})
}

func TestIssuer_Keys(t *testing.T) {
	iss, err := NewIssuer([]byte("master-secret"), 0)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, iss.ttl)

	k1, err := iss.Key("s1")
	require.NoError(t, err)
	k1again, err := iss.Key("s1")
	require.NoError(t, err)
	k2, err := iss.Key("s2")
	require.NoError(t, err)

	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k1again)
	assert.NotEqual(t, k1, k2)
}

func TestIssuer_RandomSecret(t *testing.T) {
	a, err := NewIssuer(nil, time.Minute)
	require.NoError(t, err)
	b, err := NewIssuer(nil, time.Minute)
	require.NoError(t, err)

	token, err := a.Issue("t", "/a", "s1", "s2")
	require.NoError(t, err)
	_, err = a.Verify(token, "s2")
	assert.NoError(t, err)
	_, err = b.Verify(token, "s2")
	assert.Error(t, err)
}
