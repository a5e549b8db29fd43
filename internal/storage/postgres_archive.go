package storage

import (
	"database/sql"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/battery-swap/internal/models"
)

type PostgresArchive struct {
	db *sql.DB
}

func NewPostgresArchive(dsn string) (*PostgresArchive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresArchive{db: db}, nil
}

func (p *PostgresArchive) Archive(s *models.Swap) error {
	_, err := p.db.Exec(`INSERT INTO swaps(id, station_id, user_id, state, outcome, staff_id, payment_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET state=EXCLUDED.state, outcome=EXCLUDED.outcome, staff_id=EXCLUDED.staff_id, payment_id=EXCLUDED.payment_id, updated_at=EXCLUDED.updated_at`,
		s.ID, s.StationID, s.UserID, string(s.State), string(s.Outcome), s.StaffID, s.PaymentID, s.CreatedAt, time.Now())
	return err
}

func (p *PostgresArchive) History(userID string, limit int) ([]models.Swap, error) {
	rows, err := p.db.Query(`SELECT id, station_id, user_id, state, outcome, staff_id, payment_id, created_at, updated_at
		FROM swaps WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Swap
	for rows.Next() {
		var s models.Swap
		var state, outcome string
		if err := rows.Scan(&s.ID, &s.StationID, &s.UserID, &state, &outcome, &s.StaffID, &s.PaymentID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.State = models.SwapState(state)
		s.Outcome = models.SwapOutcome(outcome)
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresArchive) Close() error { return p.db.Close() }
