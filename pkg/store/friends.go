package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Friend list names. An edge lives in exactly one list per direction.
const (
	ListAccepted = "accepted"
	ListIncoming = "incoming"
	ListOutgoing = "outgoing"
	ListBlocked  = "blocked"
)

var friendLists = []string{ListAccepted, ListIncoming, ListOutgoing, ListBlocked}

var (
	// ErrSelfFriendship indicates an account targeting itself.
	ErrSelfFriendship = errors.New("cannot befriend yourself")
	// ErrAlreadyFriends indicates the pair is already accepted.
	ErrAlreadyFriends = errors.New("accounts are already friends")
	// ErrFriendshipBlocked indicates one side has blocked the other.
	ErrFriendshipBlocked = errors.New("friendship is blocked")
)

// FriendList returns one of an account's four lists.
func (s *Store) FriendList(accountID, list string) ([]FriendEntry, error) {
	rows, err := s.conn.Query(
		"SELECT friend_id, created FROM friends WHERE account_id = ? AND list = ?", accountID, list)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	var entries []FriendEntry
	for rows.Next() {
		var entry FriendEntry
		if err := rows.Scan(&entry.AccountID, &entry.Created); err != nil {
			return nil, fmt.Errorf("failed to scan friend entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) inList(tx *sql.Tx, accountID, friendID, list string) (bool, error) {
	var one int
	err := tx.QueryRow(
		"SELECT 1 FROM friends WHERE account_id = ? AND friend_id = ? AND list = ?",
		accountID, friendID, list).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) addEntry(tx *sql.Tx, accountID, friendID, list, created string) error {
	_, err := tx.Exec(
		"INSERT OR IGNORE INTO friends (account_id, friend_id, list, created) VALUES (?, ?, ?, ?)",
		accountID, friendID, list, created)
	return err
}

func (s *Store) removeEntry(tx *sql.Tx, accountID, friendID, list string) (bool, error) {
	res, err := tx.Exec(
		"DELETE FROM friends WHERE account_id = ? AND friend_id = ? AND list = ?",
		accountID, friendID, list)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) userExists(tx *sql.Tx, accountID string) (bool, error) {
	var one int
	err := tx.QueryRow("SELECT 1 FROM users WHERE account_id = ?", accountID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// validateAdd enforces the request/accept preconditions: both users exist,
// the pair is distinct, not already accepted, and not blocked either way.
func (s *Store) validateAdd(tx *sql.Tx, fromID, toID string) error {
	if fromID == toID {
		return ErrSelfFriendship
	}
	for _, id := range []string{fromID, toID} {
		ok, err := s.userExists(tx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrUserNotFound
		}
	}

	for _, pair := range [][2]string{{fromID, toID}, {toID, fromID}} {
		accepted, err := s.inList(tx, pair[0], pair[1], ListAccepted)
		if err != nil {
			return err
		}
		if accepted {
			return ErrAlreadyFriends
		}
		blocked, err := s.inList(tx, pair[0], pair[1], ListBlocked)
		if err != nil {
			return err
		}
		if blocked {
			return ErrFriendshipBlocked
		}
	}
	return nil
}

// Notifier receives the live notifications a friend-graph mutation produces.
// The presence server satisfies it; tests may pass nil to skip delivery.
type Notifier interface {
	SendToAccount(accountID string, payload any)
	PushFriendPresence(accountA, accountB string, offline bool)
}

// FriendService applies friend-graph mutations and pushes the corresponding
// application messages and presence updates to any live sessions.
type FriendService struct {
	store  *Store
	notify Notifier
}

// NewFriendService creates a friend service around the store.
func NewFriendService(store *Store, notify Notifier) *FriendService {
	return &FriendService{store: store, notify: notify}
}

const (
	eventTypeFriend        = "com.epicgames.friends.core.apiobjects.Friend"
	eventTypeFriendRemoval = "com.epicgames.friends.core.apiobjects.FriendRemoval"
)

func friendEvent(accountID, status, direction, created string) map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"accountId": accountID,
			"status":    status,
			"direction": direction,
			"created":   created,
			"favorite":  false,
		},
		"type":      eventTypeFriend,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

func removalEvent(accountID string) map[string]any {
	return map[string]any{
		"payload": map[string]any{
			"accountId": accountID,
			"reason":    "DELETED",
		},
		"type":      eventTypeFriendRemoval,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// SendRequest files a pending friend request: outgoing on the sender,
// incoming on the receiver, PENDING pushed to both.
func (fs *FriendService) SendRequest(fromID, toID string) error {
	created := time.Now().UTC().Format(time.RFC3339)

	err := fs.inTx(func(tx *sql.Tx) error {
		if err := fs.store.validateAdd(tx, fromID, toID); err != nil {
			return err
		}
		if err := fs.store.addEntry(tx, fromID, toID, ListOutgoing, created); err != nil {
			return err
		}
		return fs.store.addEntry(tx, toID, fromID, ListIncoming, created)
	})
	if err != nil {
		return err
	}

	if fs.notify != nil {
		fs.notify.SendToAccount(fromID, friendEvent(toID, "PENDING", "OUTBOUND", created))
		fs.notify.SendToAccount(toID, friendEvent(fromID, "PENDING", "INBOUND", created))
	}
	return nil
}

// AddOrAccept sends a friend request, or accepts one when the target has
// already requested the caller. This is the single add operation the HTTP
// surface exposes.
func (fs *FriendService) AddOrAccept(fromID, toID string) error {
	var hasIncoming bool
	err := fs.inTx(func(tx *sql.Tx) error {
		var err error
		hasIncoming, err = fs.store.inList(tx, fromID, toID, ListIncoming)
		return err
	})
	if err != nil {
		return err
	}
	if hasIncoming {
		return fs.Accept(fromID, toID)
	}
	return fs.SendRequest(fromID, toID)
}

// Accept promotes a pending request to an accepted friendship, notifies both
// sides, and exchanges presence between them if both are connected.
func (fs *FriendService) Accept(fromID, toID string) error {
	created := time.Now().UTC().Format(time.RFC3339)

	var promoted bool
	err := fs.inTx(func(tx *sql.Tx) error {
		if err := fs.store.validateAdd(tx, fromID, toID); err != nil {
			return err
		}

		hadIncoming, err := fs.store.removeEntry(tx, fromID, toID, ListIncoming)
		if err != nil {
			return err
		}
		if !hadIncoming {
			return nil
		}
		promoted = true

		if _, err := fs.store.removeEntry(tx, toID, fromID, ListOutgoing); err != nil {
			return err
		}
		if err := fs.store.addEntry(tx, fromID, toID, ListAccepted, created); err != nil {
			return err
		}
		return fs.store.addEntry(tx, toID, fromID, ListAccepted, created)
	})
	if err != nil {
		return err
	}

	if promoted && fs.notify != nil {
		fs.notify.SendToAccount(fromID, friendEvent(toID, "ACCEPTED", "OUTBOUND", created))
		fs.notify.SendToAccount(toID, friendEvent(fromID, "ACCEPTED", "OUTBOUND", created))
		fs.notify.PushFriendPresence(fromID, toID, false)
	}
	return nil
}

// Remove deletes the pair from every list on both sides, including the
// remover's own block entry (removal doubles as unblock). The target's block
// entry is never touched. Both sides get a FriendRemoval push and a retraction
// presence if connected.
func (fs *FriendService) Remove(fromID, toID string) error {
	var removed bool
	err := fs.inTx(func(tx *sql.Tx) error {
		for _, list := range friendLists {
			had, err := fs.store.removeEntry(tx, fromID, toID, list)
			if err != nil {
				return err
			}
			if had {
				removed = true
			}

			if list == ListBlocked {
				continue
			}
			if _, err := fs.store.removeEntry(tx, toID, fromID, list); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if removed && fs.notify != nil {
		fs.notify.SendToAccount(fromID, removalEvent(toID))
		fs.notify.SendToAccount(toID, removalEvent(fromID))
		fs.notify.PushFriendPresence(fromID, toID, true)
	}
	return nil
}

// Block removes any existing relationship and records the target on the
// blocker's block list.
func (fs *FriendService) Block(fromID, toID string) error {
	if fromID == toID {
		return ErrSelfFriendship
	}

	if err := fs.Remove(fromID, toID); err != nil {
		return err
	}

	created := time.Now().UTC().Format(time.RFC3339)
	return fs.inTx(func(tx *sql.Tx) error {
		blocked, err := fs.store.inList(tx, fromID, toID, ListBlocked)
		if err != nil {
			return err
		}
		if blocked {
			return ErrFriendshipBlocked
		}
		return fs.store.addEntry(tx, fromID, toID, ListBlocked, created)
	})
}

func (fs *FriendService) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := fs.store.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
