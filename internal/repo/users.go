package repo

import (
	"context"

	"opsline/internal/domain"
)

// ListActiveUsers returns the directory snapshot recipient resolution matches
// against.
func (r Repo) ListActiveUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,email,active FROM users WHERE active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var active int
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &active); err != nil {
			return nil, err
		}
		u.Active = active != 0
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpsertUser(ctx context.Context, u domain.User) error {
	active := 0
	if u.Active {
		active = 1
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO users(id,name,email,active) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, email=excluded.email, active=excluded.active`,
		u.ID, u.Name, u.Email, active)
	return err
}
