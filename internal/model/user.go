package model

import "time"

const (
	RoleVolunteer = "volunteer"
	RoleAdmin     = "admin"
)

type User struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	HasPIN    bool      `json:"has_pin"`
	CreatedAt time.Time `json:"created_at"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
