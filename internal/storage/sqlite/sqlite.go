// Package sqlite persists registered users, their settings and their legacy
// buddies.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/meszmate/transgate/internal/roster"
	"github.com/meszmate/transgate/internal/session"
)

type DB struct {
	db *sql.DB
}

func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			jid TEXT NOT NULL UNIQUE,
			legacy_name TEXT NOT NULL,
			password TEXT NOT NULL,
			last_login INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS user_settings (
			user_jid TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT,
			PRIMARY KEY (user_jid, key)
		)`,

		`CREATE TABLE IF NOT EXISTS buddies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_jid TEXT NOT NULL,
			legacy_name TEXT NOT NULL,
			alias TEXT,
			groups_json TEXT,
			status INTEGER DEFAULT 0,
			status_message TEXT,
			icon_hash TEXT,
			UNIQUE (user_jid, legacy_name)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_buddies_user ON buddies(user_jid)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// RegisterUser stores the legacy credentials for an XMPP user.
func (d *DB) RegisterUser(bareJID, legacyName, password string) error {
	_, err := d.db.Exec(`
		INSERT INTO users (jid, legacy_name, password)
		VALUES (?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET legacy_name = excluded.legacy_name, password = excluded.password
	`, bareJID, legacyName, password)
	return err
}

// UnregisterUser removes a user with its settings and buddies.
func (d *DB) UnregisterUser(bareJID string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM users WHERE jid = ?", bareJID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM user_settings WHERE user_jid = ?", bareJID); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM buddies WHERE user_jid = ?", bareJID); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadUser returns the stored credentials and settings for a bare JID. A nil
// result with a nil error means the user is not registered.
func (d *DB) LoadUser(bareJID string) (*session.Credentials, map[string]string, error) {
	var creds session.Credentials
	err := d.db.QueryRow(`
		SELECT legacy_name, password FROM users WHERE jid = ?
	`, bareJID).Scan(&creds.LegacyName, &creds.Password)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	settings := make(map[string]string)
	rows, err := d.db.Query(`
		SELECT key, value FROM user_settings WHERE user_jid = ?
	`, bareJID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, nil, err
		}
		if value.Valid {
			settings[key] = value.String
		}
	}

	return &creds, settings, rows.Err()
}

// SetUserSetting stores one user setting.
func (d *DB) SetUserSetting(bareJID, key, value string) error {
	_, err := d.db.Exec(`
		INSERT INTO user_settings (user_jid, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(user_jid, key) DO UPDATE SET value = excluded.value
	`, bareJID, key, value)
	return err
}

// MarkLogin records the time of a successful legacy login.
func (d *DB) MarkLogin(bareJID string) error {
	_, err := d.db.Exec("UPDATE users SET last_login = ? WHERE jid = ?", time.Now().Unix(), bareJID)
	return err
}

// SaveBuddy upserts one buddy row and returns its row id.
func (d *DB) SaveBuddy(userJID string, b *roster.Buddy) (int64, error) {
	groupsJSON := "[]"
	if len(b.Groups) > 0 {
		encoded, err := json.Marshal(b.Groups)
		if err != nil {
			return 0, err
		}
		groupsJSON = string(encoded)
	}

	_, err := d.db.Exec(`
		INSERT INTO buddies (user_jid, legacy_name, alias, groups_json, status, status_message, icon_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_jid, legacy_name) DO UPDATE SET
			alias = excluded.alias,
			groups_json = excluded.groups_json,
			status = excluded.status,
			status_message = excluded.status_message,
			icon_hash = excluded.icon_hash
	`, userJID, b.LegacyName, b.Alias, groupsJSON, b.Status, b.StatusMessage, b.IconHash)
	if err != nil {
		return 0, err
	}

	var id int64
	err = d.db.QueryRow(`
		SELECT id FROM buddies WHERE user_jid = ? AND legacy_name = ?
	`, userJID, b.LegacyName).Scan(&id)
	return id, err
}

// LoadBuddies returns every stored buddy of a user.
func (d *DB) LoadBuddies(userJID string) ([]*roster.Buddy, error) {
	rows, err := d.db.Query(`
		SELECT id, legacy_name, alias, groups_json, status, status_message, icon_hash
		FROM buddies
		WHERE user_jid = ?
		ORDER BY legacy_name
	`, userJID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buddies []*roster.Buddy
	for rows.Next() {
		b := &roster.Buddy{}
		var alias, groupsJSON, statusMessage, iconHash sql.NullString

		if err := rows.Scan(&b.ID, &b.LegacyName, &alias, &groupsJSON, &b.Status, &statusMessage, &iconHash); err != nil {
			return nil, err
		}

		if alias.Valid {
			b.Alias = alias.String
		}
		if statusMessage.Valid {
			b.StatusMessage = statusMessage.String
		}
		if iconHash.Valid {
			b.IconHash = iconHash.String
		}
		if groupsJSON.Valid && groupsJSON.String != "" && groupsJSON.String != "[]" {
			_ = json.Unmarshal([]byte(groupsJSON.String), &b.Groups)
		}

		buddies = append(buddies, b)
	}

	return buddies, rows.Err()
}

// RemoveBuddy deletes one buddy row.
func (d *DB) RemoveBuddy(userJID, legacyName string) error {
	_, err := d.db.Exec(`
		DELETE FROM buddies WHERE user_jid = ? AND legacy_name = ?
	`, userJID, legacyName)
	return err
}
