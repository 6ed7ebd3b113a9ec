package admission

import "context"

// AccountDirectory resolves account ids to their tier.
type AccountDirectory interface {
	// Lookup returns the account and true, or false if the id is unknown.
	Lookup(ctx context.Context, accountID string) (Account, bool, error)
}

// StaticDirectory is an AccountDirectory backed by the config file.
type StaticDirectory struct {
	accounts map[string]Account
}

var _ AccountDirectory = (*StaticDirectory)(nil)

// NewStaticDirectory builds a directory from account configs.
func NewStaticDirectory(accounts []AccountConfig) *StaticDirectory {
	d := &StaticDirectory{accounts: make(map[string]Account, len(accounts))}
	for _, acc := range accounts {
		d.accounts[acc.ID] = Account{ID: acc.ID, Tier: acc.Tier, CreatedAt: acc.CreatedAt}
	}
	return d
}

// Lookup implements AccountDirectory.
func (d *StaticDirectory) Lookup(_ context.Context, accountID string) (Account, bool, error) {
	acc, ok := d.accounts[accountID]
	return acc, ok, nil
}
