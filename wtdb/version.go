package wtdb

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// dbVersionKey holds the schema version of a store.
var dbVersionKey = []byte("meta/version")

// ErrUnknownDBVersion is returned when a store was written by a newer
// release than the one opening it.
var ErrUnknownDBVersion = errors.New("unknown database version")

// migration is a function which mutates the entries of a store written by a
// prior version to arrive at the layout of the next one.
type migration func(s Store) error

// version pairs a version number with the migration that would need to be
// applied from the prior version to upgrade.
type version struct {
	migration migration
}

// appointmentsDBVersions stores all versions and migrations of the
// appointments database.
var appointmentsDBVersions = []version{}

// usersDBVersions stores all versions and migrations of the users database.
var usersDBVersions = []version{}

// getLatestDBVersion returns the last known database version.
func getLatestDBVersion(versions []version) uint32 {
	return uint32(len(versions))
}

// getMigrations returns a slice of all updates with a greater number than
// curVersion that need to be applied to sync up with the latest version.
func getMigrations(versions []version, curVersion uint32) []version {
	var updates []version
	for i, v := range versions {
		if uint32(i)+1 > curVersion {
			updates = append(updates, v)
		}
	}

	return updates
}

// syncVersions initializes a fresh store at the latest version, or applies
// any pending migrations to an existing one.
func syncVersions(s Store, versions []version) error {
	latest := getLatestDBVersion(versions)

	raw, err := s.Get(dbVersionKey)
	switch {
	case errors.Is(err, ErrNotFound):
		return putVersion(s, latest)

	case err != nil:
		return err

	case len(raw) != 4:
		return fmt.Errorf("malformed db version: %x", raw)
	}

	current := binary.BigEndian.Uint32(raw)
	switch {
	case current == latest:
		return nil

	case current > latest:
		return fmt.Errorf("%w: %d > %d", ErrUnknownDBVersion, current,
			latest)
	}

	for i, m := range getMigrations(versions, current) {
		if err := m.migration(s); err != nil {
			return fmt.Errorf("migration to version %d failed: %w",
				current+uint32(i)+1, err)
		}
		if err := putVersion(s, current+uint32(i)+1); err != nil {
			return err
		}
	}

	return nil
}

func putVersion(s Store, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)

	return s.Put(dbVersionKey, b[:])
}
