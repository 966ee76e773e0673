// Package archive writes accepted readings to PostgreSQL/TimescaleDB.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Operative-001/ridgelink/internal/store"
	"github.com/lib/pq"
)

const columns = "run_id, received_at, source_id, relay_id, seq, primary_reading, secondary_reading, hop_rssi, battery, rssi, snr"

type Archive struct {
	db    *sql.DB
	table string // quoted identifier
}

// New archives into table, which is taken as a single identifier.
func New(db *sql.DB, table string) *Archive {
	return &Archive{db: db, table: pq.QuoteIdentifier(table)}
}

// Open connects with the postgres driver.
func Open(connString, table string) (*Archive, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("archive: open: %w", err)
	}
	return New(db, table), nil
}

func (a *Archive) Close() error { return a.db.Close() }

// EnsureSchema creates the readings table if it does not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	q := "CREATE TABLE IF NOT EXISTS " + a.table + ` (
	run_id TEXT NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	source_id SMALLINT NOT NULL,
	relay_id SMALLINT NOT NULL,
	seq SMALLINT NOT NULL,
	primary_reading REAL,
	secondary_reading REAL,
	hop_rssi SMALLINT,
	battery SMALLINT,
	rssi SMALLINT,
	snr REAL,
	UNIQUE (run_id, received_at, source_id, seq)
)`
	_, err := a.db.ExecContext(ctx, q)
	return err
}

// Append stores a single reading.
func (a *Archive) Append(ctx context.Context, r store.Reading) error {
	return a.WriteBatch(ctx, []store.Reading{r})
}

// WriteBatch inserts readings in one statement. Rows already present are
// skipped.
func (a *Archive) WriteBatch(ctx context.Context, rs []store.Reading) error {
	if len(rs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(a.table)
	b.WriteString(" (" + columns + ") VALUES ")

	const n = 11
	args := make([]any, 0, len(rs)*n)
	for i, r := range rs {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for j := 1; j <= n; j++ {
			if j > 1 {
				b.WriteString(",")
			}
			fmt.Fprintf(&b, "$%d", len(args)+j)
		}
		b.WriteString(")")

		args = append(args,
			r.RunID,
			r.ReceivedAt,
			int64(r.SourceID),
			int64(r.RelayID),
			int64(r.Sequence),
			float64(r.Primary),
			float64(r.Secondary),
			int64(r.HopRSSI),
			int64(r.Battery),
			int64(r.RSSI),
			float64(r.SNR),
		)
	}

	b.WriteString(" ON CONFLICT (run_id, received_at, source_id, seq) DO NOTHING")

	if _, err := a.db.ExecContext(ctx, b.String(), args...); err != nil {
		return fmt.Errorf("archive: insert: %w", err)
	}
	return nil
}
