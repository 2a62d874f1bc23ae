package credentials

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/domain"
	"perpbot/internal/security/secretbox"
	"perpbot/internal/store/memory"
)

func newVault(t *testing.T) (*Vault, *memory.Store) {
	t.Helper()
	key, err := secretbox.GenerateKey()
	require.NoError(t, err)
	box, err := secretbox.New(key)
	require.NoError(t, err)
	st := memory.NewStore()
	return NewVault(st, box), st
}

func strategyWith(id string) domain.Strategy {
	return domain.Strategy{Provider: domain.ProviderConfig{Kind: domain.ProviderOpenAI, CredentialID: id}}
}

func TestResolveRoundTrip(t *testing.T) {
	v, _ := newVault(t)
	ctx := context.Background()
	c, err := v.Put(ctx, "u1", "openai", "sk-live-123")
	require.NoError(t, err)
	assert.NotEqual(t, "sk-live-123", c.Ciphertext)

	secret, err := v.Resolve(ctx, strategyWith(c.ID))
	require.NoError(t, err)
	assert.Equal(t, "sk-live-123", secret.Value())
	assert.Equal(t, "[redacted]", fmt.Sprint(secret))
}

func TestResolveTypedFailures(t *testing.T) {
	v, st := newVault(t)
	ctx := context.Background()

	_, err := v.Resolve(ctx, strategyWith(""))
	assert.Equal(t, domain.ErrNoCredentialConfigured, domain.KindOf(err))
	assert.True(t, errors.Is(err, ErrNoCredentialConfigured))

	_, err = v.Resolve(ctx, strategyWith("never-existed"))
	assert.Equal(t, domain.ErrReferencedCredentialDeleted, domain.KindOf(err))

	c, err := v.Put(ctx, "u1", "openai", "sk-live-123")
	require.NoError(t, err)
	require.NoError(t, v.Delete(ctx, c.ID))
	_, err = v.Resolve(ctx, strategyWith(c.ID))
	assert.Equal(t, domain.ErrReferencedCredentialDeleted, domain.KindOf(err))

	c, err = v.Put(ctx, "u1", "openai", "sk-live-456")
	require.NoError(t, err)
	c.Ciphertext = "tampered"
	require.NoError(t, st.SaveCredential(ctx, c))
	_, err = v.Resolve(ctx, strategyWith(c.ID))
	assert.Equal(t, domain.ErrCredentialDecryptFailed, domain.KindOf(err))
}

func TestPutRejectsEmptyKey(t *testing.T) {
	v, _ := newVault(t)
	_, err := v.Put(context.Background(), "u1", "openai", "   ")
	assert.Error(t, err)

	_, err = NewSecret("")
	assert.ErrorIs(t, err, ErrNoCredentialConfigured)

	_, err = Static{}.Resolve(context.Background(), strategyWith("x"))
	assert.Equal(t, domain.ErrNoCredentialConfigured, domain.KindOf(err))
}
