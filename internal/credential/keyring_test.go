package credential

import (
	"testing"

	"github.com/99designs/keyring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailsync/internal/model"
)

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring(nil))

	require.NoError(t, s.Set("imap-gmail", "secret"))
	got, err := s.Get("imap-gmail")
	require.NoError(t, err)
	assert.Equal(t, "secret", got)

	require.NoError(t, s.Delete("imap-gmail"))
	_, err = s.Get("imap-gmail")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolvePassword(t *testing.T) {
	s := NewStore(keyring.NewArrayKeyring([]keyring.Item{
		{Key: AccountKey("gmail"), Data: []byte("from-keyring")},
	}))

	t.Run("config password wins", func(t *testing.T) {
		got, err := s.ResolvePassword(model.AccountConfig{Key: "gmail", Password: "from-config"})
		require.NoError(t, err)
		assert.Equal(t, "from-config", got.Password)
	})

	t.Run("keyring fills missing password", func(t *testing.T) {
		got, err := s.ResolvePassword(model.AccountConfig{Key: "gmail"})
		require.NoError(t, err)
		assert.Equal(t, "from-keyring", got.Password)
	})

	t.Run("missing everywhere", func(t *testing.T) {
		got, err := s.ResolvePassword(model.AccountConfig{Key: "work"})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.Empty(t, got.Password)
	})
}
