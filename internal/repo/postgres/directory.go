package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

const usersWithRoleQuery = `
SELECT user_id
FROM users
WHERE role = $1 AND active
ORDER BY user_id`

const managerOfQuery = `
SELECT manager_id
FROM users
WHERE user_id = $1`

// DirectoryStore resolves role and reporting-line approver lookups against
// the users table.
type DirectoryStore struct {
	db DB
}

func NewDirectoryStore(db DB) (*DirectoryStore, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	return &DirectoryStore{db: db}, nil
}

func (s *DirectoryStore) UsersWithRole(ctx context.Context, role string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("directory store is not initialized")
	}
	if strings.TrimSpace(role) == "" {
		return nil, errors.New("role is required")
	}

	rows, err := s.db.QueryContext(ctx, usersWithRoleQuery, role)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

// ManagerOf returns the user's manager id, or "" when the user has none.
func (s *DirectoryStore) ManagerOf(ctx context.Context, userID string) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("directory store is not initialized")
	}
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id is required")
	}

	var manager sql.NullString
	if err := s.db.QueryRowContext(ctx, managerOfQuery, userID).Scan(&manager); err != nil {
		return "", handleNotFound(err)
	}
	return manager.String, nil
}
