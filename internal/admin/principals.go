package admin

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"aigateway/internal/config"
	"aigateway/internal/db"
)

var ErrPrincipalNotFound = errors.New("admin: principal not found")

// PrincipalStore holds admin usernames and their password hashes.
type PrincipalStore interface {
	Find(ctx context.Context, username string) (db.AdminUser, error)
	Create(ctx context.Context, user db.AdminUser) error
}

// MemoryPrincipals is a PrincipalStore for deployments without a database.
type MemoryPrincipals struct {
	mu    sync.RWMutex
	users map[string]db.AdminUser
}

func NewMemoryPrincipals() *MemoryPrincipals {
	return &MemoryPrincipals{users: make(map[string]db.AdminUser)}
}

func (m *MemoryPrincipals) Find(_ context.Context, username string) (db.AdminUser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return db.AdminUser{}, ErrPrincipalNotFound
	}
	return u, nil
}

func (m *MemoryPrincipals) Create(_ context.Context, user db.AdminUser) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[user.Username]; exists {
		return fmt.Errorf("admin: principal %q already exists", user.Username)
	}
	user.ID = uint(len(m.users) + 1)
	m.users[user.Username] = user
	return nil
}

// GormPrincipals keeps admin principals in postgres.
type GormPrincipals struct {
	db *gorm.DB
}

func NewGormPrincipals(conn *gorm.DB) *GormPrincipals {
	return &GormPrincipals{db: conn}
}

func (g *GormPrincipals) Find(ctx context.Context, username string) (db.AdminUser, error) {
	var u db.AdminUser
	err := g.db.WithContext(ctx).Where("username = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return db.AdminUser{}, ErrPrincipalNotFound
	}
	return u, err
}

func (g *GormPrincipals) Create(ctx context.Context, user db.AdminUser) error {
	return g.db.WithContext(ctx).Create(&user).Error
}

// EnsureBootstrapAdmin makes sure there is an admin principal matching the
// bootstrap credentials in config. An existing principal with that username
// is left as-is.
func EnsureBootstrapAdmin(ctx context.Context, store PrincipalStore, cfg *config.Config) error {
	if cfg.AdminUser == "" || cfg.AdminPassword == "" {
		return nil
	}

	_, err := store.Find(ctx, cfg.AdminUser)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrPrincipalNotFound) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	return store.Create(ctx, db.AdminUser{
		Username:     cfg.AdminUser,
		PasswordHash: string(hash),
	})
}
