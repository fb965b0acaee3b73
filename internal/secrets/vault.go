package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/stepflow/pkg/schema"
)

// Vault resolves `{{ secrets.KEY }}` references while templates render.
// Values are encrypted at rest and only decrypted in memory.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// keyPattern matches names usable as a single template path segment.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)

// ValidateKey rejects names a template could never reference.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeVault,
			"invalid secret key %q: use letters, digits, '_' or '-'", key)
	}
	return nil
}
