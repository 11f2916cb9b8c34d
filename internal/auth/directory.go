package auth

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gatekeeper/internal/models"
)

var ErrAccountExists = errors.New("account already exists")

// Directory is the in-memory account registry. Accounts are seeded from
// configuration at startup and added by self-service registration.
type Directory struct {
	mu     sync.RWMutex
	byName map[string]*models.Account
	byHash map[string]*models.Account
}

func NewDirectory() *Directory {
	return &Directory{
		byName: make(map[string]*models.Account),
		byHash: make(map[string]*models.Account),
	}
}

// Seed adds configured accounts. An account without a tier gets defaultTier.
func (d *Directory) Seed(accounts []models.AccountConfig, defaultTier string) error {
	for _, ac := range accounts {
		tier := ac.Tier
		if tier == "" {
			tier = defaultTier
		}
		acct := models.NewAccount(models.NewKeyID(), models.NormalizeIdentifier(ac.Name), ac.Key, tier)
		acct.Admin = ac.Admin
		if err := d.Add(acct); err != nil {
			return fmt.Errorf("seed account %q: %w", ac.Name, err)
		}
	}
	return nil
}

// Add registers acct. Names and keys must be unique.
func (d *Directory) Add(acct *models.Account) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.byName[acct.Name]; ok {
		return ErrAccountExists
	}
	if _, ok := d.byHash[acct.KeyHash]; ok {
		return ErrAccountExists
	}
	d.byName[acct.Name] = acct
	d.byHash[acct.KeyHash] = acct
	return nil
}

// ByName looks up an account by its normalised name.
func (d *Directory) ByName(name string) (*models.Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byName[models.NormalizeIdentifier(name)]
	return acct, ok
}

// ByKey looks up an enabled account by raw API key.
func (d *Directory) ByKey(rawKey string) (*models.Account, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	acct, ok := d.byHash[models.HashAPIKey(rawKey)]
	if !ok || !acct.Enabled {
		return nil, false
	}
	return acct, true
}

// List returns all accounts sorted by name.
func (d *Directory) List() []*models.Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*models.Account, 0, len(d.byName))
	for _, acct := range d.byName {
		out = append(out, acct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byName)
}
