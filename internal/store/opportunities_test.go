package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/store"
)

const paramsPerRow = 14

// memDB emulates the upsert against an in-memory table keyed by
// (external_id, type). failOn makes the n-th Exec call (1-based) fail.
type memDB struct {
	rows   map[string][]any
	calls  int
	sqls   []string
	failOn int
}

func newMemDB() *memDB { return &memDB{rows: map[string][]any{}} }

func (m *memDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.calls++
	m.sqls = append(m.sqls, sql)
	if m.failOn == m.calls {
		return pgconn.CommandTag{}, errors.New("connection reset by peer")
	}
	if !strings.HasPrefix(sql, "INSERT INTO opportunities") {
		return pgconn.NewCommandTag("CREATE TABLE"), nil
	}
	if len(args)%paramsPerRow != 0 {
		return pgconn.CommandTag{}, fmt.Errorf("got %d args, not a multiple of %d", len(args), paramsPerRow)
	}
	n := 0
	for i := 0; i < len(args); i += paramsPerRow {
		key := fmt.Sprintf("%v|%v", args[i], args[i+1])
		m.rows[key] = args[i : i+paramsPerRow]
		n++
	}
	return pgconn.NewCommandTag(fmt.Sprintf("INSERT 0 %d", n)), nil
}

type countRow struct{ n int64 }

func (r countRow) Scan(dest ...any) error {
	*(dest[0].(*int64)) = r.n
	return nil
}

func (m *memDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return countRow{n: int64(len(m.rows))}
}

func makeOpps(n int) []model.Opportunity {
	out := make([]model.Opportunity, n)
	for i := range out {
		out[i] = model.Opportunity{
			ExternalID:      fmt.Sprintf("encheres-publiques-%d", i),
			Type:            model.OpportunityType,
			Label:           "Maison",
			Address:         "Oinville-Sous-Auneau",
			City:            "Oinville-Sous-Auneau",
			Department:      "28",
			Status:          model.StatusUpcoming,
			OpportunityDate: time.Date(2025, 11, 12, 18, 0, 0, 0, time.UTC),
			ExtraData:       model.OpportunityExtra{SourceID: fmt.Sprint(i)},
		}
	}
	return out
}

func TestInsertOpportunities_ChunksIntoBatches(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	n, err := s.InsertOpportunities(context.Background(), makeOpps(1000), 500)
	require.NoError(t, err)
	assert.Equal(t, 1000, n)
	assert.Equal(t, 2, db.calls)
	assert.Len(t, db.rows, 1000)
}

func TestInsertOpportunities_DefaultBatchSize(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	_, err := s.InsertOpportunities(context.Background(), makeOpps(1001), 0)
	require.NoError(t, err)
	assert.Equal(t, 3, db.calls)
}

func TestInsertOpportunities_BatchSizeCappedByParameterLimit(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	n, err := s.InsertOpportunities(context.Background(), makeOpps(store.MaxBatchSize+1), 10000)
	require.NoError(t, err)
	assert.Equal(t, store.MaxBatchSize+1, n)
	assert.Equal(t, 2, db.calls)
	assert.Equal(t, 4681, store.MaxBatchSize)
	assert.LessOrEqual(t, store.MaxBatchSize*paramsPerRow, 65535)
}

func TestInsertOpportunities_PartialSuccess(t *testing.T) {
	db := newMemDB()
	db.failOn = 2
	s := store.NewOpportunityStore(db, zerolog.Nop())

	n, err := s.InsertOpportunities(context.Background(), makeOpps(1000), 500)
	require.Error(t, err)

	var be *store.BatchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 500, be.Committed)
	assert.Equal(t, 500, n)
	assert.Len(t, db.rows, 500, "first batch stays committed")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestInsertOpportunities_Idempotent(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())
	ctx := context.Background()

	opps := makeOpps(42)
	_, err := s.InsertOpportunities(ctx, opps, 10)
	require.NoError(t, err)
	first, err := s.CountOpportunities(ctx)
	require.NoError(t, err)

	opps[3].Label = "Maison rénovée"
	_, err = s.InsertOpportunities(ctx, opps, 10)
	require.NoError(t, err)
	second, err := s.CountOpportunities(ctx)
	require.NoError(t, err)

	assert.EqualValues(t, 42, first)
	assert.Equal(t, first, second)
	assert.Equal(t, "Maison rénovée", db.rows["encheres-publiques-3|AUCTION"][2])
}

func TestInsertOpportunities_DuplicateKeysInOneBatch(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	opps := makeOpps(2)
	dup := opps[0]
	dup.Label = "dernière version"
	opps = append(opps, dup)

	n, err := s.InsertOpportunities(context.Background(), opps, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "dernière version", db.rows["encheres-publiques-0|AUCTION"][2])
}

func TestInsertOpportunities_SQLShape(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	opps := makeOpps(2)
	opps[0].ContactData = &model.ContactData{Name: "SCP Dupont"}
	opps[0].Images = []string{"https://cdn.test/1.jpg"}

	_, err := s.InsertOpportunities(context.Background(), opps, 500)
	require.NoError(t, err)
	require.Len(t, db.sqls, 1)

	sql := db.sqls[0]
	assert.Contains(t, sql, "ON CONFLICT (external_id, type) DO UPDATE SET")
	assert.Contains(t, sql, "updated_at       = now()")
	assert.Contains(t, sql, "$28::jsonb")
	assert.NotContains(t, sql, "$29")

	row := db.rows["encheres-publiques-0|AUCTION"]
	assert.JSONEq(t, `{"name":"SCP Dupont"}`, row[11].(string))
	assert.JSONEq(t, `["https://cdn.test/1.jpg"]`, row[13].(string))

	var extra map[string]any
	require.NoError(t, json.Unmarshal([]byte(row[12].(string)), &extra))
	assert.Equal(t, "0", extra["sourceId"])

	other := db.rows["encheres-publiques-1|AUCTION"]
	assert.Nil(t, other[11], "missing contact is stored as NULL")
	assert.Equal(t, "[]", other[13])
}

func TestInsertOpportunities_Empty(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	n, err := s.InsertOpportunities(context.Background(), nil, 500)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, db.calls)
}

func TestEnsureSchema(t *testing.T) {
	db := newMemDB()
	s := store.NewOpportunityStore(db, zerolog.Nop())

	require.NoError(t, s.EnsureSchema(context.Background()))
	require.Len(t, db.sqls, 1)
	assert.Contains(t, db.sqls[0], "CREATE UNIQUE INDEX IF NOT EXISTS opportunities_external_id_type_key")
}
