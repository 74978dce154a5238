// Package store persists accounts and the friend graph in SQLite. The
// presence server consumes it through its lookup interfaces; the friend
// mutation operations live in FriendService and push their events back into
// the presence server.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hexlunapng/fixing-Razers-skidded-code/pkg/xmpp"
)

var (
	// ErrUserNotFound indicates the account does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists indicates the username or email is already taken.
	ErrUserExists = errors.New("user already exists")
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	account_id     TEXT PRIMARY KEY,
	username       TEXT NOT NULL UNIQUE,
	email          TEXT NOT NULL UNIQUE,
	password_hash  TEXT NOT NULL,
	banned         INTEGER NOT NULL DEFAULT 0,
	matchmaking_id TEXT NOT NULL UNIQUE,
	is_server      INTEGER NOT NULL DEFAULT 0,
	accepted_eula  INTEGER NOT NULL DEFAULT 0,
	created        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS friends (
	account_id TEXT NOT NULL,
	friend_id  TEXT NOT NULL,
	list       TEXT NOT NULL CHECK (list IN ('accepted', 'incoming', 'outgoing', 'blocked')),
	created    TEXT NOT NULL,
	PRIMARY KEY (account_id, friend_id, list)
);

CREATE INDEX IF NOT EXISTS idx_friends_account ON friends(account_id, list);
`

// User is a registered account.
type User struct {
	AccountID     string
	Username      string
	Email         string
	PasswordHash  string
	Banned        bool
	MatchmakingID string
	IsServer      bool
	AcceptedEULA  bool
	Created       time.Time
}

// FriendEntry is one edge of the friend graph, in one of the four lists.
type FriendEntry struct {
	AccountID string
	Created   string
}

// Store wraps the SQLite database connection.
type Store struct {
	conn *sql.DB
}

// Open opens the database at the given path and initializes the schema.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows multiple readers alongside the single writer.
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.conn.Close()
}

// CreateUser registers a new account with a bcrypt-hashed password and a
// fresh account and matchmaking id.
func (s *Store) CreateUser(username, email, password string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &User{
		AccountID:     uuid.NewString(),
		Username:      username,
		Email:         email,
		PasswordHash:  string(hash),
		MatchmakingID: uuid.NewString(),
		Created:       time.Now(),
	}

	_, err = s.conn.Exec(`
		INSERT INTO users (account_id, username, email, password_hash, banned, matchmaking_id, is_server, accepted_eula, created)
		VALUES (?, ?, ?, ?, 0, ?, 0, 0, ?)`,
		user.AccountID, user.Username, user.Email, user.PasswordHash, user.MatchmakingID, user.Created.UnixMilli())
	if err != nil {
		// UNIQUE violations surface as generic errors from the driver.
		return nil, fmt.Errorf("%w: %v", ErrUserExists, err)
	}

	return user, nil
}

func (s *Store) scanUser(row *sql.Row) (*User, error) {
	var user User
	var createdMillis int64
	err := row.Scan(&user.AccountID, &user.Username, &user.Email, &user.PasswordHash,
		&user.Banned, &user.MatchmakingID, &user.IsServer, &user.AcceptedEULA, &createdMillis)
	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	user.Created = time.UnixMilli(createdMillis)
	return &user, nil
}

const userColumns = "account_id, username, email, password_hash, banned, matchmaking_id, is_server, accepted_eula, created"

// UserByAccountID returns the account with the given id.
func (s *Store) UserByAccountID(accountID string) (*User, error) {
	return s.scanUser(s.conn.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE account_id = ?", accountID))
}

// UserByUsername returns the account with the given username.
func (s *Store) UserByUsername(username string) (*User, error) {
	return s.scanUser(s.conn.QueryRow(
		"SELECT "+userColumns+" FROM users WHERE username = ?", username))
}

// CheckPassword verifies a password against the stored hash.
func (s *Store) CheckPassword(user *User, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) == nil
}

// SetBanned flips the ban flag for an account.
func (s *Store) SetBanned(accountID string, banned bool) error {
	res, err := s.conn.Exec("UPDATE users SET banned = ? WHERE account_id = ?", banned, accountID)
	if err != nil {
		return fmt.Errorf("failed to update ban flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetAcceptedEULA records EULA acceptance for an account.
func (s *Store) SetAcceptedEULA(accountID string) error {
	res, err := s.conn.Exec("UPDATE users SET accepted_eula = 1 WHERE account_id = ?", accountID)
	if err != nil {
		return fmt.Errorf("failed to update EULA flag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AccountByID implements the presence server's account-lookup contract.
func (s *Store) AccountByID(accountID string) (*xmpp.Account, error) {
	user, err := s.UserByAccountID(accountID)
	if err != nil {
		return nil, err
	}
	return &xmpp.Account{
		AccountID:   user.AccountID,
		DisplayName: user.Username,
		Banned:      user.Banned,
	}, nil
}

// AcceptedFriends implements the presence server's friends-lookup contract.
func (s *Store) AcceptedFriends(accountID string) ([]string, error) {
	entries, err := s.FriendList(accountID, ListAccepted)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.AccountID)
	}
	return ids, nil
}
