package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gridwatt/dukeusage/internal/auth"
	"github.com/zalando/go-keyring"
)

// KeyringStore persists the TokenSet as one JSON secret in the OS keyring
// (Keychain, Secret Service, or Credential Manager).
type KeyringStore struct {
	service string
	account string
}

// NewKeyringStore creates a keyring-backed token store under the given
// service and account names.
func NewKeyringStore(service, account string) *KeyringStore {
	return &KeyringStore{service: service, account: account}
}

// Load reads the persisted TokenSet, returning (nil, nil) when the secret
// does not exist.
func (s *KeyringStore) Load() (*auth.TokenSet, error) {
	secret, err := keyring.Get(s.service, s.account)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tokens from keyring: %w", err)
	}

	var ts auth.TokenSet
	if err := json.Unmarshal([]byte(secret), &ts); err != nil {
		return nil, fmt.Errorf("failed to parse keyring tokens: %w", err)
	}
	return &ts, nil
}

// Save writes the TokenSet to the keyring.
func (s *KeyringStore) Save(ts *auth.TokenSet) error {
	data, err := json.Marshal(ts)
	if err != nil {
		return err
	}
	if err := keyring.Set(s.service, s.account, string(data)); err != nil {
		return fmt.Errorf("failed to write tokens to keyring: %w", err)
	}
	return nil
}
