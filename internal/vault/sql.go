package vault

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// serviceTagRe bounds what may become a table name.
var serviceTagRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// contentKeyRow is one stored key. Each service gets its own table of
// this shape; the table name is the service tag.
type contentKeyRow struct {
	ID  uint   `gorm:"column:id;primaryKey;autoIncrement"`
	KID string `gorm:"column:kid"`
	Key string `gorm:"column:key_"`
}

// SQL is a vault backed by a SQL database through gorm. SQLite, MySQL and
// PostgreSQL are supported; tables are created lazily on first write.
type SQL struct {
	name string
	db   *gorm.DB
}

// NewSQL creates a SQL vault over an open database handle.
func NewSQL(name string, db *gorm.DB) *SQL {
	return &SQL{name: name, db: db}
}

// Name implements Vault.
func (s *SQL) Name() string { return s.name }

// GetKey implements Vault. A missing table or row is a miss, not an error.
func (s *SQL) GetKey(ctx context.Context, service string, kid uuid.UUID) (string, error) {
	table, err := serviceTable(service)
	if err != nil {
		return "", err
	}
	if !s.db.WithContext(ctx).Migrator().HasTable(table) {
		return "", nil
	}
	var row contentKeyRow
	err = s.db.WithContext(ctx).Table(table).
		Where("kid = ?", KIDHex(kid)).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("vault %s: reading key: %w", s.name, err)
	}
	if IsNullKey(row.Key) {
		return "", nil
	}
	return row.Key, nil
}

// GetKeys implements Vault. Null keys are filtered out.
func (s *SQL) GetKeys(ctx context.Context, service string) (map[string]string, error) {
	table, err := serviceTable(service)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]string)
	if !s.db.WithContext(ctx).Migrator().HasTable(table) {
		return keys, nil
	}
	var rows []contentKeyRow
	if err := s.db.WithContext(ctx).Table(table).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("vault %s: listing keys: %w", s.name, err)
	}
	for _, row := range rows {
		if IsNullKey(row.Key) {
			continue
		}
		keys[strings.ToLower(row.KID)] = row.Key
	}
	return keys, nil
}

// AddKey implements Vault. Re-adding an existing (kid, key) pair is not an
// error and reports false.
func (s *SQL) AddKey(ctx context.Context, service string, kid uuid.UUID, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	table, err := serviceTable(service)
	if err != nil {
		return false, err
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return false, err
	}
	res := s.db.WithContext(ctx).Table(table).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&contentKeyRow{KID: KIDHex(kid), Key: key})
	if res.Error != nil {
		return false, fmt.Errorf("vault %s: storing key: %w", s.name, res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AddKeys implements Vault. The whole batch is validated before anything
// is written; one invalid key rejects the call.
func (s *SQL) AddKeys(ctx context.Context, service string, keys map[uuid.UUID]string) (int, error) {
	for kid, key := range keys {
		if err := ValidateKey(key); err != nil {
			return 0, fmt.Errorf("key for %s: %w", KIDHex(kid), err)
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	table, err := serviceTable(service)
	if err != nil {
		return 0, err
	}
	if err := s.ensureTable(ctx, table); err != nil {
		return 0, err
	}
	added := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for kid, key := range keys {
			res := tx.Table(table).
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(&contentKeyRow{KID: KIDHex(kid), Key: key})
			if res.Error != nil {
				return res.Error
			}
			added += int(res.RowsAffected)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("vault %s: storing keys: %w", s.name, err)
	}
	return added, nil
}

// Services implements Vault: every key table present in the database.
func (s *SQL) Services(ctx context.Context) ([]string, error) {
	tables, err := s.db.WithContext(ctx).Migrator().GetTables()
	if err != nil {
		return nil, fmt.Errorf("vault %s: listing services: %w", s.name, err)
	}
	return tables, nil
}

func (s *SQL) ensureTable(ctx context.Context, table string) error {
	db := s.db.WithContext(ctx)
	if db.Migrator().HasTable(table) {
		return nil
	}
	var ddl string
	switch s.db.Dialector.Name() {
	case "mysql":
		ddl = fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS `%s` ("+
				"id INT AUTO_INCREMENT PRIMARY KEY, "+
				"kid VARCHAR(64) NOT NULL, "+
				"key_ VARCHAR(64) NOT NULL, "+
				"UNIQUE KEY uniq_kid_key (kid, key_))", table)
	case "postgres":
		ddl = fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS "%s" (`+
				`id SERIAL PRIMARY KEY, `+
				`kid VARCHAR(64) NOT NULL, `+
				`key_ VARCHAR(64) NOT NULL, `+
				`UNIQUE (kid, key_))`, table)
	default: // sqlite
		ddl = fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS "%s" (`+
				`id INTEGER PRIMARY KEY AUTOINCREMENT, `+
				`kid TEXT NOT NULL COLLATE NOCASE, `+
				`key_ TEXT NOT NULL COLLATE NOCASE, `+
				`UNIQUE (kid, key_))`, table)
	}
	if err := db.Exec(ddl).Error; err != nil {
		return fmt.Errorf("vault %s: %w: creating table %s: %v", s.name, ErrNoPermission, table, err)
	}
	return nil
}

func serviceTable(service string) (string, error) {
	if !serviceTagRe.MatchString(service) {
		return "", fmt.Errorf("%w: %q", ErrInvalidService, service)
	}
	return service, nil
}
