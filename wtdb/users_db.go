package wtdb

import (
	"bytes"
	"fmt"
)

// userPrefix keys user records by user id.
var userPrefix = []byte("user/")

// UsersDB persists the subscription records of registered users.
type UsersDB struct {
	store Store
}

// NewUsersDB wraps store, initializing or migrating its schema.
func NewUsersDB(store Store) (*UsersDB, error) {
	if err := syncVersions(store, usersDBVersions); err != nil {
		return nil, err
	}

	return &UsersDB{store: store}, nil
}

// Close closes the underlying store.
func (d *UsersDB) Close() error {
	return d.store.Close()
}

// StoreUser creates or overwrites the record of userID.
func (d *UsersDB) StoreUser(userID UserID, info *UserInfo) error {
	var b bytes.Buffer
	if err := info.Encode(&b); err != nil {
		return err
	}

	return d.store.Put(prefixedKey(userPrefix, userID[:]), b.Bytes())
}

// LoadUser loads the record of userID, or returns ErrNotFound.
func (d *UsersDB) LoadUser(userID UserID) (*UserInfo, error) {
	raw, err := d.store.Get(prefixedKey(userPrefix, userID[:]))
	if err != nil {
		return nil, err
	}

	info := &UserInfo{}
	if err := info.Decode(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("unable to decode user %v: %w", userID,
			err)
	}

	return info, nil
}

// LoadAllUsers loads every registered user.
func (d *UsersDB) LoadAllUsers() (map[UserID]*UserInfo, error) {
	users := make(map[UserID]*UserInfo)
	err := d.store.ForEachPrefix(userPrefix, func(k, v []byte) error {
		if len(k) != len(userPrefix)+UserIDSize {
			return fmt.Errorf("malformed user key %x", k)
		}

		var userID UserID
		copy(userID[:], k[len(userPrefix):])

		info := &UserInfo{}
		if err := info.Decode(bytes.NewReader(v)); err != nil {
			return fmt.Errorf("unable to decode user %v: %w",
				userID, err)
		}
		users[userID] = info

		return nil
	})
	if err != nil {
		return nil, err
	}

	return users, nil
}

// DeleteUsers removes the records of userIDs in a single batch.
func (d *UsersDB) DeleteUsers(userIDs []UserID) error {
	return d.store.Update(func(batch WriteBatch) error {
		for _, userID := range userIDs {
			batch.Delete(prefixedKey(userPrefix, userID[:]))
		}

		return nil
	})
}
