package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

// GormStore is the default UserStore/MessageStore implementation,
// SQLite-backed via GORM, generalized from the teacher's
// internal/database package (which used a raw database/sql session
// table) into the two tables spec.md §6.3 calls for, with the indexes
// it names.
type GormStore struct {
	db *gorm.DB
}

// Open opens (creating if necessary) a SQLite database at path and
// migrates the users/messages schema. path may be "file::memory:?cache=shared"
// for tests.
func Open(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := db.AutoMigrate(&User{}, &Message{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

var _ UserStore = (*GormStore)(nil)
var _ MessageStore = (*GormStore)(nil)

// onlineMu serializes the read-modify-write of IsOnline/ConnectionID so
// concurrent handshakes for the same userId (spec.md §3 invariant 3:
// "the latest handshake wins") don't race each other's upsert.
var onlineMu sync.Mutex

func (s *GormStore) Upsert(ctx context.Context, u User) error {
	onlineMu.Lock()
	defer onlineMu.Unlock()

	err := s.db.WithContext(ctx).
		Where(User{ID: u.ID}).
		Assign(map[string]any{
			"username":      u.Username,
			"public_key":    u.PublicKey,
			"is_online":     true,
			"last_seen":     u.LastSeen,
			"connection_id": u.ConnectionID,
			"ip_address":    u.IPAddress,
		}).
		FirstOrCreate(&u).Error
	if err != nil {
		return fmt.Errorf("store: upsert user %s: %w", u.ID, err)
	}
	return nil
}

func (s *GormStore) SetOfflineIfCurrent(ctx context.Context, userID, connectionID string, lastSeenMs int64) error {
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("id = ? AND connection_id = ?", userID, connectionID).
		Updates(map[string]any{"is_online": false, "last_seen": lastSeenMs}).Error
	if err != nil {
		return fmt.Errorf("store: set offline %s: %w", userID, err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, userID string) (User, bool, error) {
	var u User
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&u).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return User{}, false, nil
		}
		return User{}, false, fmt.Errorf("store: get user %s: %w", userID, err)
	}
	return u, true, nil
}

func (s *GormStore) ListOnline(ctx context.Context) ([]User, error) {
	var users []User
	if err := s.db.WithContext(ctx).Where("is_online = ?", true).Find(&users).Error; err != nil {
		return nil, fmt.Errorf("store: list online: %w", err)
	}
	return users, nil
}

func (s *GormStore) Counts(ctx context.Context) (total int, online int, err error) {
	var totalI64, onlineI64 int64
	if err := s.db.WithContext(ctx).Model(&User{}).Count(&totalI64).Error; err != nil {
		return 0, 0, fmt.Errorf("store: count users: %w", err)
	}
	if err := s.db.WithContext(ctx).Model(&User{}).Where("is_online = ?", true).Count(&onlineI64).Error; err != nil {
		return 0, 0, fmt.Errorf("store: count online users: %w", err)
	}
	return int(totalI64), int(onlineI64), nil
}

func (s *GormStore) Append(ctx context.Context, m Message) error {
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("store: append message %s: %w", m.ID, err)
	}
	return nil
}

func (s *GormStore) Count(ctx context.Context) (int, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Message{}).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("store: count messages: %w", err)
	}
	return int(count), nil
}

// Close releases the underlying database connection.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
