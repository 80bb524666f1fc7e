package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dispatchline/internal/domain"
)

func (r Repo) InsertActor(ctx context.Context, a domain.Actor) (domain.Actor, error) {
	if !a.Role.Valid() {
		return a, fmt.Errorf("invalid role %q", a.Role)
	}
	if a.Name == "" {
		return a, errors.New("name required")
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO actors(name, role, phone, active, created_at) VALUES (?,?,?,?,?)`,
		a.Name, string(a.Role), nullable(a.Phone), boolInt(a.Active), a.CreatedAt)
	if err != nil {
		return a, fmt.Errorf("insert actor: %w", err)
	}
	a.ID, err = res.LastInsertId()
	return a, err
}

func (r Repo) GetActor(ctx context.Context, id int64) (domain.Actor, error) {
	return r.GetActorTx(ctx, nil, id)
}

func (r Repo) GetActorTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Actor, error) {
	var (
		a      domain.Actor
		active int
	)
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,role,COALESCE(phone,''),active,created_at FROM actors WHERE id=?`, id).
		Scan(&a.ID, &a.Name, &a.Role, &a.Phone, &active, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return a, ErrNotFound
	}
	a.Active = active == 1
	return a, err
}

// ListActors returns actors, optionally restricted to one role.
func (r Repo) ListActors(ctx context.Context, role domain.Role) ([]domain.Actor, error) {
	query := `SELECT id,name,role,COALESCE(phone,''),active,created_at FROM actors`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Actor
	for rows.Next() {
		var (
			a      domain.Actor
			active int
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Role, &a.Phone, &active, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Active = active == 1
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) SetActorActive(ctx context.Context, id int64, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE actors SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertDeviceToken binds token to the actor, replacing any previous token of
// that actor. A device token can only belong to one actor, so a token moving
// to a new driver is detached from its previous owner.
func (r Repo) UpsertDeviceToken(ctx context.Context, t domain.DeviceToken) error {
	if t.Token == "" {
		return errors.New("token required")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := r.GetActorTx(ctx, tx, t.ActorID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM device_tokens WHERE token=? AND actor_id<>?`, t.Token, t.ActorID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO device_tokens(actor_id, token, registered_at) VALUES (?,?,?)
ON CONFLICT(actor_id) DO UPDATE SET token=excluded.token, registered_at=excluded.registered_at`, t.ActorID, t.Token, t.RegisteredAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetDeviceToken(ctx context.Context, actorID int64) (domain.DeviceToken, error) {
	var t domain.DeviceToken
	err := r.DB.QueryRowContext(ctx, `SELECT actor_id, token, registered_at FROM device_tokens WHERE actor_id=?`, actorID).
		Scan(&t.ActorID, &t.Token, &t.RegisteredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) DeleteDeviceToken(ctx context.Context, actorID int64) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM device_tokens WHERE actor_id=?`, actorID)
	return err
}

// ListActiveDriverTokens returns the tokens of every active driver.
func (r Repo) ListActiveDriverTokens(ctx context.Context) ([]domain.DeviceToken, error) {
	rows, err := r.DB.QueryContext(ctx, `
SELECT dt.actor_id, dt.token, dt.registered_at
FROM device_tokens dt
JOIN actors a ON a.id = dt.actor_id
WHERE a.role = 'driver' AND a.active = 1
ORDER BY dt.actor_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DeviceToken
	for rows.Next() {
		var t domain.DeviceToken
		if err := rows.Scan(&t.ActorID, &t.Token, &t.RegisteredAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
