package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestLoadUsers(t *testing.T) {
	m := NewMemoryStore()
	n, err := LoadUsers(m, strings.NewReader(`[
		{"id": 10, "name": "Pat", "phone": "555-0100", "userType": "passenger"},
		{"id": 20, "name": "Sam", "phone": "555-0101", "userType": "driver"}
	]`))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	u, err := m.GetUserByID(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, models.RoleDriver, u.Type)

	p, err := m.GetPassengerByID(context.Background(), 10)
	require.NoError(t, err)
	require.Equal(t, "Pat", p.Name)
}

func TestLoadUsersRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"not json":     `{`,
		"bad role":     `[{"id": 1, "userType": "pilot"}]`,
		"zero id":      `[{"id": 0, "userType": "driver"}]`,
		"duplicate id": `[{"id": 1, "userType": "driver"}, {"id": 1, "userType": "passenger"}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewMemoryStore()
			_, err := LoadUsers(m, strings.NewReader(body))
			require.Error(t, err)
			_, err = m.GetUserByID(context.Background(), 1)
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}
