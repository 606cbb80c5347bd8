package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/filevault/filevault/internal/logging"
	"github.com/filevault/filevault/internal/metrics"
)

// BuildFunc instantiates a Provider for an external account. Injected so the
// Manager stays free of backend imports and tests can supply stubs.
type BuildFunc func(ctx context.Context, acct *Account) (Provider, error)

// Manager is the single source of truth for which account is active and owns
// the cache of live Provider handles. All mutation of the cache and the
// active pointer happens under mu.
type Manager struct {
	mu       sync.RWMutex
	registry Registry
	build    BuildFunc
	cache    map[Key]Provider
	active   Key
	inited   bool
}

// NewManager creates a Manager. The local provider is prebuilt and cached
// for process lifetime; external providers are built lazily via build.
func NewManager(registry Registry, build BuildFunc, local Provider) *Manager {
	return &Manager{
		registry: registry,
		build:    build,
		cache:    map[Key]Provider{LocalKey: local},
		active:   LocalKey,
	}
}

// Init loads the account registry, resolves the active account (local when
// no row is active) and warms the provider cache for it. Idempotent; safe to
// call again from a route.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.inited {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	acct, err := m.registry.Active(ctx)
	if err != nil {
		return fmt.Errorf("load account registry: %w", err)
	}

	active := LocalKey
	if acct != nil {
		active = Key{Type: acct.Type, AccountID: acct.ID}
	}

	m.mu.Lock()
	m.active = active
	m.inited = true
	m.mu.Unlock()

	if acct != nil {
		if _, err := m.GetProviderFor(ctx, active); err != nil {
			// Warm-up failure is not fatal; the account may simply need
			// re-authorization. Resolution will retry on next use.
			logging.Warn("failed to warm provider cache",
				zap.String("key", active.String()), zap.Error(err))
		}
	}

	logging.Info("storage manager initialized", zap.String("active", active.String()))
	return nil
}

// GetProvider returns the provider for the currently active account.
func (m *Manager) GetProvider(ctx context.Context) (Provider, error) {
	m.mu.RLock()
	key := m.active
	m.mu.RUnlock()
	return m.GetProviderFor(ctx, key)
}

// GetProviderFor returns (building and caching if needed) the provider for an
// explicit key, regardless of which account is active. Needed when operating
// on files that belong to a non-active account.
func (m *Manager) GetProviderFor(ctx context.Context, key Key) (Provider, error) {
	m.mu.RLock()
	p, ok := m.cache[key]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	acct, err := m.registry.Get(ctx, key.AccountID)
	if err != nil {
		return nil, fmt.Errorf("look up account %s: %w", key.AccountID, err)
	}
	if acct == nil || len(acct.Credentials) == 0 {
		return nil, fmt.Errorf("account %s: %w", key.AccountID, ErrNotConfigured)
	}
	if acct.Type != key.Type {
		return nil, fmt.Errorf("account %s is %s, not %s: %w",
			key.AccountID, acct.Type, key.Type, ErrNotConfigured)
	}

	built, err := m.build(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("build %s provider: %w", key.Type, err)
	}

	m.mu.Lock()
	// A concurrent resolver may have won the race; keep the first handle.
	if existing, ok := m.cache[key]; ok {
		m.mu.Unlock()
		built.Close()
		return existing, nil
	}
	m.cache[key] = built
	m.mu.Unlock()

	logging.Info("storage provider instantiated", zap.String("key", key.String()))
	return built, nil
}

// GetActiveAccountID returns the active account ID, or "" meaning local.
func (m *Manager) GetActiveAccountID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active.AccountID
}

// ActiveKey returns the cache key of the active provider.
func (m *Manager) ActiveKey() Key {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SwitchToLocal clears every active flag in the registry and routes new
// writes to the local provider.
func (m *Manager) SwitchToLocal(ctx context.Context) error {
	if err := m.registry.SetActive(ctx, ""); err != nil {
		return fmt.Errorf("clear active account: %w", err)
	}

	m.mu.Lock()
	m.active = LocalKey
	m.mu.Unlock()

	metrics.RecordAccountSwitch()
	logging.Info("switched storage to local")
	return nil
}

// SwitchAccount makes the given account the single active one and evicts any
// stale cached handle so the next resolution rebuilds with fresh credentials.
func (m *Manager) SwitchAccount(ctx context.Context, accountID string) error {
	acct, err := m.registry.Get(ctx, accountID)
	if err != nil {
		return fmt.Errorf("look up account %s: %w", accountID, err)
	}
	if acct == nil {
		return fmt.Errorf("account %s: %w", accountID, ErrNotConfigured)
	}

	if err := m.registry.SetActive(ctx, accountID); err != nil {
		return fmt.Errorf("set active account: %w", err)
	}

	key := Key{Type: acct.Type, AccountID: acct.ID}
	m.evict(key)

	m.mu.Lock()
	m.active = key
	m.mu.Unlock()

	metrics.RecordAccountSwitch()
	logging.Info("switched storage account",
		zap.String("account_id", accountID),
		zap.String("type", string(acct.Type)))
	return nil
}

// UpdateOneDriveConfig persists OneDrive credentials and makes the account
// active. Used for first-time OAuth completion and manual rotation.
func (m *Manager) UpdateOneDriveConfig(ctx context.Context, clientID, clientSecret, refreshToken, tenantID string) error {
	creds, err := json.Marshal(OneDriveCredentials{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RefreshToken: refreshToken,
		TenantID:     tenantID,
	})
	if err != nil {
		return fmt.Errorf("encode onedrive credentials: %w", err)
	}

	// Reuse the existing OneDrive account row if there is one.
	accounts, err := m.registry.List(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}

	var acct *Account
	for i := range accounts {
		if accounts[i].Type == TypeOneDrive {
			acct = &accounts[i]
			break
		}
	}

	if acct != nil {
		if err := m.registry.UpdateCredentials(ctx, acct.ID, creds); err != nil {
			return fmt.Errorf("update onedrive credentials: %w", err)
		}
	} else {
		acct = &Account{
			ID:          uuid.NewString(),
			Type:        TypeOneDrive,
			Name:        "OneDrive",
			Credentials: creds,
		}
		if err := m.registry.Upsert(ctx, acct); err != nil {
			return fmt.Errorf("create onedrive account: %w", err)
		}
	}

	// Evict before switching so the next resolution sees the new blob.
	m.evict(Key{Type: TypeOneDrive, AccountID: acct.ID})

	return m.SwitchAccount(ctx, acct.ID)
}

// Accounts returns the secret-free account list.
func (m *Manager) Accounts(ctx context.Context) ([]AccountInfo, error) {
	accounts, err := m.registry.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	infos := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, AccountInfo{
			ID:       a.ID,
			Name:     a.Name,
			Type:     a.Type,
			IsActive: a.IsActive,
		})
	}
	return infos, nil
}

// RemoveProvider evicts a cached handle, e.g. after an account is deleted,
// so future resolutions fail cleanly instead of reusing stale credentials.
func (m *Manager) RemoveProvider(key Key) {
	if key == LocalKey {
		return
	}
	m.evict(key)
}

// evict drops and closes a cached handle. The local handle is never evicted.
func (m *Manager) evict(key Key) {
	if key == LocalKey {
		return
	}
	m.mu.Lock()
	p, ok := m.cache[key]
	if ok {
		delete(m.cache, key)
	}
	m.mu.Unlock()

	if ok && p != nil {
		p.Close()
		logging.Debug("evicted cached provider", zap.String("key", key.String()))
	}
}

// Close closes all cached providers.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.cache {
		if p != nil {
			p.Close()
		}
	}
	m.cache = map[Key]Provider{}
	return nil
}
