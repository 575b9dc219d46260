package storage

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/example/ride-dispatch/internal/models"
)

// LoadUsers decodes a JSON array of users and adds them to m. It is the only
// source of accounts when running without Postgres.
func LoadUsers(m *MemoryStore, r io.Reader) (int, error) {
	var users []models.User
	if err := json.NewDecoder(r).Decode(&users); err != nil {
		return 0, fmt.Errorf("decode users: %w", err)
	}
	seen := make(map[int64]bool, len(users))
	for i, u := range users {
		if u.ID <= 0 {
			return 0, fmt.Errorf("user %d: id must be positive", i)
		}
		if !u.Type.Valid() {
			return 0, fmt.Errorf("user %d: invalid userType %q", u.ID, u.Type)
		}
		if seen[u.ID] {
			return 0, fmt.Errorf("user %d: duplicate id", u.ID)
		}
		seen[u.ID] = true
	}
	for _, u := range users {
		m.AddUser(u)
	}
	return len(users), nil
}
