package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"dispatchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const missionColumns = `id,mission_date,mission_time,client_name,COALESCE(client_phone,''),passengers,pickup_address,dropoff_address,category,driver_id,status,COALESCE(notes,''),comment,comment_by,estimated_price,created_at,updated_at,sent_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMission(row rowScanner) (domain.Mission, error) {
	var (
		m           domain.Mission
		driverID    sql.NullInt64
		comment     sql.NullString
		commentBy   sql.NullInt64
		price       sql.NullFloat64
		sentAt      sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(&m.ID, &m.Date, &m.Time, &m.ClientName, &m.ClientPhone, &m.Passengers,
		&m.PickupAddress, &m.DropoffAddress, &m.Category, &driverID, &m.Status, &m.Notes,
		&comment, &commentBy, &price, &m.CreatedAt, &m.UpdatedAt, &sentAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if driverID.Valid {
		m.DriverID = &driverID.Int64
	}
	if comment.Valid {
		m.Comment = &comment.String
	}
	if commentBy.Valid {
		m.CommentBy = &commentBy.Int64
	}
	if price.Valid {
		m.EstimatedPrice = &price.Float64
	}
	if sentAt.Valid {
		m.SentAt = &sentAt.String
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, nil
}

func scanMissions(rows *sql.Rows) ([]domain.Mission, error) {
	defer rows.Close()
	var res []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) GetMission(ctx context.Context, id int64) (domain.Mission, error) {
	return r.GetMissionTx(ctx, nil, id)
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Mission, error) {
	return scanMission(r.q(tx).QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id=?`, id))
}

// InsertMission stores m and returns the store-assigned id.
func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO missions(mission_date,mission_time,client_name,client_phone,passengers,pickup_address,dropoff_address,category,driver_id,status,notes,estimated_price,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.Date, m.Time, m.ClientName, nullable(m.ClientPhone), m.Passengers, m.PickupAddress, m.DropoffAddress,
		string(m.Category), nullableInt(m.DriverID), string(m.Status), nullable(m.Notes), nullableFloat(m.EstimatedPrice),
		m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert mission: %w", err)
	}
	return res.LastInsertId()
}

// UpdateMissionFields writes the non-nil fields of patch.
func (r Repo) UpdateMissionFields(ctx context.Context, tx *sql.Tx, id int64, patch domain.MissionPatch, updatedAt string) error {
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if patch.Date != nil {
		set("mission_date", *patch.Date)
	}
	if patch.Time != nil {
		set("mission_time", *patch.Time)
	}
	if patch.ClientName != nil {
		set("client_name", *patch.ClientName)
	}
	if patch.ClientPhone != nil {
		set("client_phone", nullable(*patch.ClientPhone))
	}
	if patch.Passengers != nil {
		set("passengers", *patch.Passengers)
	}
	if patch.PickupAddress != nil {
		set("pickup_address", *patch.PickupAddress)
	}
	if patch.DropoffAddress != nil {
		set("dropoff_address", *patch.DropoffAddress)
	}
	if patch.Category != nil {
		set("category", string(*patch.Category))
	}
	if patch.Notes != nil {
		set("notes", nullable(*patch.Notes))
	}
	if patch.EstimatedPrice != nil {
		set("estimated_price", *patch.EstimatedPrice)
	}
	if patch.DriverSet {
		set("driver_id", nullableInt(patch.DriverID))
	}
	if len(fields) == 0 {
		return nil
	}
	set("updated_at", updatedAt)
	args = append(args, id)
	res, err := r.q(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE missions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ErrStatusChanged reports a compare-and-set status update that lost a race.
var ErrStatusChanged = errors.New("mission status changed concurrently")

// UpdateMissionStatus moves the mission from one status to another, only if it
// is still in from. Timestamps for sent/completed are stamped with updatedAt.
func (r Repo) UpdateMissionStatus(ctx context.Context, tx *sql.Tx, id int64, from, to domain.Status, updatedAt string) error {
	query := `UPDATE missions SET status=?, updated_at=?`
	args := []any{string(to), updatedAt}
	switch to {
	case domain.StatusSent:
		query += `, sent_at=?`
		args = append(args, updatedAt)
	case domain.StatusCompleted:
		query += `, completed_at=?`
		args = append(args, updatedAt)
	}
	query += ` WHERE id=? AND status=?`
	args = append(args, id, string(from))
	res, err := r.q(tx).ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetMissionTx(ctx, tx, id); err != nil {
			return err
		}
		return ErrStatusChanged
	}
	return nil
}

func (r Repo) SetMissionComment(ctx context.Context, tx *sql.Tx, id int64, comment string, authorID int64, updatedAt string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE missions SET comment=?, comment_by=?, updated_at=? WHERE id=?`, comment, authorID, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteMission(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM missions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMissionsByDateRange returns missions scheduled between start and end inclusive.
func (r Repo) ListMissionsByDateRange(ctx context.Context, start, end string) ([]domain.Mission, error) {
	return r.ListMissions(ctx, domain.MissionFilter{From: start, To: end})
}

func (r Repo) ListMissionsByDateAndStatus(ctx context.Context, date string, status domain.Status) ([]domain.Mission, error) {
	return r.ListMissions(ctx, domain.MissionFilter{From: date, To: date, Status: status})
}

func (r Repo) ListMissions(ctx context.Context, f domain.MissionFilter) ([]domain.Mission, error) {
	var (
		clauses []string
		args    []any
	)
	if f.From != "" {
		clauses = append(clauses, "mission_date >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "mission_date <= ?")
		args = append(args, f.To)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.DriverID != nil {
		clauses = append(clauses, "driver_id = ?")
		args = append(args, *f.DriverID)
	}
	query := `SELECT ` + missionColumns + ` FROM missions`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY mission_date ASC, mission_time ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanMissions(rows)
}

// CountMissionsByStatus groups missions of one day by status.
func (r Repo) CountMissionsByStatus(ctx context.Context, date string) (map[domain.Status]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM missions WHERE mission_date=? GROUP BY status`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[domain.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v *int64) any {
	if v == nil || *v == 0 {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
