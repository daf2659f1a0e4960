package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gluk-w/jumpterm/internal/config"
)

var DB *gorm.DB

func Init() error {
	var dialector gorm.Dialector
	if config.Cfg.UsePostgres() {
		dialector = postgres.Open(config.Cfg.DatabaseURL)
	} else {
		dbPath := config.Cfg.SQLitePath()
		if dbDir := filepath.Dir(dbPath); dbDir != "" {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(dbPath)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if !config.Cfg.UsePostgres() {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := Migrate(DB); err != nil {
		return err
	}

	n, err := CloseOrphanedSessions()
	if err != nil {
		return fmt.Errorf("close orphaned sessions: %w", err)
	}
	if n > 0 {
		log.Printf("Marked %d sessions from a previous run as failed", n)
	}
	return nil
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Setting{}, &User{}, &Target{}, &UserTarget{}, &TerminalSession{}, &AuditLog{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Target helpers

func GetTarget(id uint) (*Target, error) {
	var t Target
	if err := DB.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func ListTargets() ([]Target, error) {
	var targets []Target
	if err := DB.Order("name").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

// UpsertTarget creates the target or updates the one with the same name.
// t.ID is set on return.
func UpsertTarget(t *Target) error {
	var existing Target
	err := DB.Where("name = ?", t.Name).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return DB.Create(t).Error
	}
	if err != nil {
		return err
	}
	t.ID = existing.ID
	updates := map[string]interface{}{
		"host":             t.Host,
		"port":             t.Port,
		"username":         t.Username,
		"password_enc":     t.PasswordEnc,
		"private_key_path": t.PrivateKeyPath,
		"shell":            t.Shell,
		"allowed_ips":      t.AllowedIPs,
	}
	// A pin learned on first connect survives a reseed without one.
	if t.HostKeyFingerprint != "" {
		updates["host_key_fingerprint"] = t.HostKeyFingerprint
	}
	return DB.Model(&existing).Updates(updates).Error
}

// PinHostKey records fp as the host key of target id unless one is already
// pinned. It reports whether fp was stored.
func PinHostKey(id uint, fp string) (bool, error) {
	res := DB.Model(&Target{}).Where("id = ? AND (host_key_fingerprint = '' OR host_key_fingerprint IS NULL)", id).
		Update("host_key_fingerprint", fp)
	return res.RowsAffected > 0, res.Error
}

// SetHostKey replaces the pinned host key of target id. Empty clears the pin.
func SetHostKey(id uint, fp string) error {
	res := DB.Model(&Target{}).Where("id = ?", id).Update("host_key_fingerprint", fp)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func AssignTarget(userID, targetID uint) error {
	return DB.Where(UserTarget{UserID: userID, TargetID: targetID}).FirstOrCreate(&UserTarget{}).Error
}

func IsUserAssignedToTarget(userID, targetID uint) bool {
	var count int64
	DB.Model(&UserTarget{}).Where("user_id = ? AND target_id = ?", userID, targetID).Count(&count)
	return count > 0
}
