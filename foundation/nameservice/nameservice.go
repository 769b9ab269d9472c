// Package nameservice reads the zblock/accounts.json file and creates a name
// service lookup for the seagull accounts.
package nameservice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

// NameService maintains a map of accounts for name lookup.
type NameService struct {
	accounts map[string]string
}

// New constructs a name service with the aliases from the specified file.
// The file maps account to name. A missing file produces an empty service.
func New(path string) (*NameService, error) {
	ns := NameService{
		accounts: make(map[string]string),
	}

	content, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &ns, nil
	case err != nil:
		return nil, fmt.Errorf("reading aliases: %w", err)
	}

	if err := json.Unmarshal(content, &ns.accounts); err != nil {
		return nil, fmt.Errorf("decoding aliases: %w", err)
	}

	for account, name := range ns.accounts {
		if strings.TrimSpace(account) == "" || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("alias %q for account %q must not be blank", name, account)
		}
	}

	return &ns, nil
}

// Lookup returns the name for the specified account.
func (ns *NameService) Lookup(account string) string {
	name, exists := ns.accounts[account]
	if !exists {
		return account
	}
	return name
}

// Copy returns a copy of the map of names and accounts.
func (ns *NameService) Copy() map[string]string {
	cpy := make(map[string]string, len(ns.accounts))
	for account, name := range ns.accounts {
		cpy[account] = name
	}
	return cpy
}
