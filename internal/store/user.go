package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/nightwatch/internal/model"
)

type UserStore struct {
	db DBTX
}

func NewUserStore(db DBTX) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var pinHash string
	err := scanner.Scan(&u.ID, &u.Name, &u.Email, &u.Role, &pinHash, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	u.HasPIN = pinHash != ""
	return &u, nil
}

const userCols = `id, name, email, role, pin_hash, created_at`

func (s *UserStore) Create(name, email, role string) (*model.User, error) {
	if role == "" {
		role = model.RoleVolunteer
	}
	result, err := s.db.Exec(
		`INSERT INTO users (name, email, role, created_at) VALUES (?, ?, ?, ?)`,
		name, email, role, ts(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) List() ([]model.User, error) {
	rows, err := s.db.Query(`SELECT ` + userCols + ` FROM users ORDER BY name ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *UserStore) UpdateRole(id int64, role string) error {
	_, err := s.db.Exec(`UPDATE users SET role = ? WHERE id = ?`, role, id)
	if err != nil {
		return fmt.Errorf("update user role: %w", err)
	}
	return nil
}

// SetPIN stores an already-hashed kiosk PIN. An empty hash clears it.
func (s *UserStore) SetPIN(id int64, pinHash string) error {
	_, err := s.db.Exec(`UPDATE users SET pin_hash = ? WHERE id = ?`, pinHash, id)
	if err != nil {
		return fmt.Errorf("set pin: %w", err)
	}
	return nil
}

// PINHash returns the stored hash, or "" if the user has none.
func (s *UserStore) PINHash(id int64) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT pin_hash FROM users WHERE id = ?`, id).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get pin hash: %w", err)
	}
	return hash, nil
}

func (s *UserStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
