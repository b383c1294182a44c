package store

import (
	"fmt"
	"path/filepath"
	"sync"

	"cipherdm/internal/domain"
)

const profilesFile = "profiles.json"

// ProfileFileStore persists per-broker profiles to disk.
type ProfileFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewProfileFileStore returns a ProfileFileStore rooted at dir.
func NewProfileFileStore(dir string) *ProfileFileStore {
	return &ProfileFileStore{dir: dir}
}

// SaveProfile stores or updates the given profile.
func (s *ProfileFileStore) SaveProfile(profile domain.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, profilesFile)
	profiles := make(map[string]domain.Profile)
	if err := readJSON(path, &profiles); err != nil {
		return err
	}
	profiles[profileKey(profile.BrokerURL, profile.UserID)] = profile
	return writeJSON(path, profiles, 0o600)
}

// LoadProfile retrieves the profile for (brokerURL, user).
func (s *ProfileFileStore) LoadProfile(
	brokerURL string,
	user domain.UserID,
) (domain.Profile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, profilesFile)
	profiles := make(map[string]domain.Profile)
	if err := readJSON(path, &profiles); err != nil {
		return domain.Profile{}, false, err
	}
	profile, ok := profiles[profileKey(brokerURL, user)]
	return profile, ok, nil
}

func profileKey(brokerURL string, user domain.UserID) string {
	return fmt.Sprintf("%s|%s", brokerURL, user.String())
}

// Compile-time assertion that ProfileFileStore implements domain.ProfileStore.
var _ domain.ProfileStore = (*ProfileFileStore)(nil)
