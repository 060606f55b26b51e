// Package store persists opportunities into PostgreSQL.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/model"
)

// DefaultBatchSize is used when callers pass a non-positive batch size.
const DefaultBatchSize = 500

// columnsPerRow is the number of bound parameters per VALUES tuple.
const columnsPerRow = 14

// MaxBatchSize keeps one statement under the 65535 bind parameters
// PostgreSQL accepts.
const MaxBatchSize = 65535 / columnsPerRow

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// BatchError reports a failed batch. Rows of earlier batches were committed
// and stay persisted.
type BatchError struct {
	Index     int // zero-based batch number
	Committed int // rows affected by the batches before Index
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("upsert batch %d failed after %d committed rows: %v", e.Index, e.Committed, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// OpportunityStore writes rows of the opportunities table.
type OpportunityStore struct {
	db     DB
	logger zerolog.Logger
}

// NewOpportunityStore constructs an OpportunityStore.
func NewOpportunityStore(db DB, logger zerolog.Logger) *OpportunityStore {
	return &OpportunityStore{db: db, logger: logger}
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS opportunities (
	id               BIGSERIAL PRIMARY KEY,
	external_id      TEXT NOT NULL,
	type             TEXT NOT NULL,
	label            TEXT NOT NULL,
	address          TEXT NOT NULL,
	city             TEXT NOT NULL,
	zip_code         TEXT,
	department       TEXT NOT NULL,
	latitude         DOUBLE PRECISION,
	longitude        DOUBLE PRECISION,
	status           TEXT NOT NULL,
	opportunity_date TIMESTAMPTZ NOT NULL,
	contact_data     JSONB,
	extra_data       JSONB NOT NULL DEFAULT '{}'::jsonb,
	images           JSONB NOT NULL DEFAULT '[]'::jsonb,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS opportunities_external_id_type_key
	ON opportunities (external_id, type);
CREATE INDEX IF NOT EXISTS opportunities_department_idx
	ON opportunities (department);
`

// EnsureSchema creates the opportunities table and its upsert key.
func (s *OpportunityStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// CountOpportunities returns the number of persisted rows.
func (s *OpportunityStore) CountOpportunities(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRow(ctx, `SELECT count(*) FROM opportunities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count opportunities: %w", err)
	}
	return n, nil
}

// InsertOpportunities upserts rows in chunks of batchSize, one statement per
// chunk, keyed by (external_id, type). It returns the number of rows
// inserted or updated. A failing chunk stops the loop and is reported as a
// *BatchError; chunks already written are not rolled back.
func (s *OpportunityStore) InsertOpportunities(ctx context.Context, opps []model.Opportunity, batchSize int) (int, error) {
	if len(opps) == 0 {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		s.logger.Warn().Int("requested", batchSize).Int("max", MaxBatchSize).Msg("upsert batch size capped")
		batchSize = MaxBatchSize
	}

	total := 0
	for i, batch := 0, 0; i < len(opps); i, batch = i+batchSize, batch+1 {
		j := min(i+batchSize, len(opps))

		rows := dedupeByKey(opps[i:j])
		sql, args, err := upsertSQL(rows)
		if err != nil {
			return total, &BatchError{Index: batch, Committed: total, Err: err}
		}

		tag, err := s.db.Exec(ctx, sql, args...)
		if err != nil {
			s.logger.Error().Err(err).Int("batch", batch).Int("committed", total).Msg("upsert batch failed")
			return total, &BatchError{Index: batch, Committed: total, Err: err}
		}
		total += int(tag.RowsAffected())
		s.logger.Debug().Int("batch", batch).Int("rows", len(rows)).Msg("upsert batch committed")
	}

	return total, nil
}

// dedupeByKey keeps the last occurrence of every (external_id, type) pair;
// Postgres refuses to update the same row twice in one statement.
func dedupeByKey(in []model.Opportunity) []model.Opportunity {
	type key struct{ id, typ string }
	pos := make(map[key]int, len(in))
	out := make([]model.Opportunity, 0, len(in))
	for _, o := range in {
		k := key{o.ExternalID, o.Type}
		if p, ok := pos[k]; ok {
			out[p] = o
			continue
		}
		pos[k] = len(out)
		out = append(out, o)
	}
	return out
}

func upsertSQL(rows []model.Opportunity) (string, []any, error) {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO opportunities
	(external_id, type, label, address, city, zip_code, department, latitude, longitude,
	 status, opportunity_date, contact_data, extra_data, images, updated_at)
VALUES `)

	args := make([]any, 0, len(rows)*columnsPerRow)
	for r, o := range rows {
		contact, err := marshalNullable(o.ContactData)
		if err != nil {
			return "", nil, fmt.Errorf("contact_data %s: %w", o.ExternalID, err)
		}
		extra, err := json.Marshal(o.ExtraData)
		if err != nil {
			return "", nil, fmt.Errorf("extra_data %s: %w", o.ExternalID, err)
		}
		images := o.Images
		if images == nil {
			images = []string{}
		}
		imagesJSON, err := json.Marshal(images)
		if err != nil {
			return "", nil, fmt.Errorf("images %s: %w", o.ExternalID, err)
		}

		if r > 0 {
			sb.WriteString(",\n")
		}
		base := r * columnsPerRow
		sb.WriteString("(")
		for c := 1; c <= columnsPerRow; c++ {
			if c > 1 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "$%d", base+c)
			switch c {
			case 12, 13, 14:
				sb.WriteString("::jsonb")
			}
		}
		sb.WriteString(",now())")

		args = append(args,
			o.ExternalID, o.Type, o.Label, o.Address, o.City, o.ZipCode, o.Department,
			o.Latitude, o.Longitude, o.Status, o.OpportunityDate,
			contact, string(extra), string(imagesJSON),
		)
	}

	sb.WriteString(`
ON CONFLICT (external_id, type) DO UPDATE SET
	label            = EXCLUDED.label,
	address          = EXCLUDED.address,
	city             = EXCLUDED.city,
	zip_code         = EXCLUDED.zip_code,
	department       = EXCLUDED.department,
	latitude         = EXCLUDED.latitude,
	longitude        = EXCLUDED.longitude,
	status           = EXCLUDED.status,
	opportunity_date = EXCLUDED.opportunity_date,
	contact_data     = EXCLUDED.contact_data,
	extra_data       = EXCLUDED.extra_data,
	images           = EXCLUDED.images,
	updated_at       = now()`)

	return sb.String(), args, nil
}

// marshalNullable encodes v as a JSON string, or nil for a nil pointer so the
// column stays NULL.
func marshalNullable(v *model.ContactData) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
