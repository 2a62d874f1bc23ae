package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/domain"
	"perpbot/internal/security/secretbox"
	"perpbot/internal/store"
)

var (
	ErrNoCredentialConfigured      = errors.New("strategy has no provider credential configured")
	ErrCredentialDecryptFailed     = errors.New("provider credential could not be decrypted")
	ErrReferencedCredentialDeleted = errors.New("referenced provider credential was deleted")
)

// Secret is a decrypted API key. A Secret obtained from Resolve is never empty.
type Secret struct {
	value string
}

func (s Secret) Value() string { return s.value }

func (s Secret) String() string { return "[redacted]" }

// NewSecret is for tests and callers that already hold a plaintext key.
func NewSecret(v string) (Secret, error) {
	if strings.TrimSpace(v) == "" {
		return Secret{}, ErrNoCredentialConfigured
	}
	return Secret{value: v}, nil
}

type Resolver interface {
	Resolve(ctx context.Context, s domain.Strategy) (Secret, error)
}

// Vault stores provider API keys sealed with a secretbox and resolves them
// for strategies.
type Vault struct {
	store store.Store
	box   *secretbox.Box
	now   func() time.Time
}

func NewVault(st store.Store, box *secretbox.Box) *Vault {
	return &Vault{store: st, box: box, now: func() time.Time { return time.Now().UTC() }}
}

func (v *Vault) Put(ctx context.Context, userID, provider, apiKey string) (domain.Credential, error) {
	if strings.TrimSpace(apiKey) == "" {
		return domain.Credential{}, errors.New("api key is required")
	}
	if v.box == nil {
		return domain.Credential{}, errors.New("credential encryption is not configured")
	}
	sealed, err := v.box.Encrypt(apiKey)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("seal credential: %w", err)
	}
	c := domain.Credential{
		ID:         uuid.NewString(),
		UserID:     userID,
		Provider:   provider,
		Ciphertext: sealed,
		CreatedAt:  v.now(),
	}
	if err := v.store.SaveCredential(ctx, c); err != nil {
		return domain.Credential{}, err
	}
	return c, nil
}

func (v *Vault) Delete(ctx context.Context, id string) error {
	return v.store.DeleteCredential(ctx, id, v.now())
}

func (v *Vault) Resolve(ctx context.Context, s domain.Strategy) (Secret, error) {
	id := strings.TrimSpace(s.Provider.CredentialID)
	if id == "" {
		return Secret{}, domain.Fail(domain.ErrNoCredentialConfigured, ErrNoCredentialConfigured)
	}
	c, err := v.store.GetCredential(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Secret{}, domain.Fail(domain.ErrReferencedCredentialDeleted, ErrReferencedCredentialDeleted)
	}
	if err != nil {
		return Secret{}, domain.Fail(domain.ErrInternal, fmt.Errorf("load credential %s: %w", id, err))
	}
	if c.DeletedAt != nil {
		return Secret{}, domain.Fail(domain.ErrReferencedCredentialDeleted, ErrReferencedCredentialDeleted)
	}
	if v.box == nil {
		return Secret{}, domain.Fail(domain.ErrCredentialDecryptFailed, fmt.Errorf("%w: no encryption key", ErrCredentialDecryptFailed))
	}
	plain, err := v.box.Decrypt(c.Ciphertext)
	if err != nil {
		return Secret{}, domain.Fail(domain.ErrCredentialDecryptFailed, fmt.Errorf("%w: %v", ErrCredentialDecryptFailed, err))
	}
	if strings.TrimSpace(plain) == "" {
		return Secret{}, domain.Fail(domain.ErrCredentialDecryptFailed, fmt.Errorf("%w: empty plaintext", ErrCredentialDecryptFailed))
	}
	return Secret{value: plain}, nil
}

// Static resolves every strategy to one key. It backs the CLI and tests.
type Static struct {
	Secret Secret
}

func (s Static) Resolve(_ context.Context, _ domain.Strategy) (Secret, error) {
	if s.Secret.value == "" {
		return Secret{}, domain.Fail(domain.ErrNoCredentialConfigured, ErrNoCredentialConfigured)
	}
	return s.Secret, nil
}
