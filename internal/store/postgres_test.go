package store

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/recoverly/accrual-service/internal/domain"
)

type execResult struct {
	tag pgconn.CommandTag
	err error
}

// stubTx answers Exec by the first statement keyword it finds in the SQL.
type stubTx struct {
	pgx.Tx
	results    map[string]execResult
	userExists bool
	executed   []string
}

func (tx *stubTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	for key, result := range tx.results {
		if strings.Contains(sql, key) {
			tx.executed = append(tx.executed, key)
			return result.tag, result.err
		}
	}
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (tx *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return existsRow{exists: tx.userExists}
}

type existsRow struct {
	exists bool
}

func (r existsRow) Scan(dest ...any) error {
	*(dest[0].(*bool)) = r.exists
	return nil
}

func testAccrual() domain.UserAccrual {
	day := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	return domain.UserAccrual{
		UserID:          "user-1",
		ExpectedVersion: 3,
		Day:             day,
		Delta:           domain.Delta{Main: 3000},
		Positions:       []domain.PositionUpdate{{PositionID: "p1", LastGainDate: day}},
		Entries: []domain.LedgerEntry{{
			ID:     uuid.New(),
			UserID: "user-1",
			Type:   domain.EntryDailyGain,
			Amount: 3000,
			Date:   day,
			Status: domain.EntryCompleted,
		}},
	}
}

func TestInsertLedgerEntryTx_ErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantErr       bool
		wantDuplicate bool
	}{
		{name: "inserted", err: nil},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", ConstraintName: "ledger_entries_pkey"}, wantErr: true, wantDuplicate: true},
		{name: "foreign key violation", err: &pgconn.PgError{Code: "23503"}, wantErr: true},
		{name: "connection lost", err: errors.New("conn closed"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &stubTx{results: map[string]execResult{
				"INSERT INTO ledger_entries": {tag: pgconn.NewCommandTag("INSERT 0 1"), err: tt.err},
			}}
			err := insertLedgerEntryTx(context.Background(), tx, testAccrual().Entries[0])
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error=%t, got %v", tt.wantErr, err)
			}
			if errors.Is(err, ErrDuplicateEntry) != tt.wantDuplicate {
				t.Fatalf("expected duplicate=%t, got %v", tt.wantDuplicate, err)
			}
		})
	}
}

func TestCommitAccrualTx_Guards(t *testing.T) {
	tests := []struct {
		name       string
		results    map[string]execResult
		userExists bool
		want       error
	}{
		{
			name: "committed",
		},
		{
			name:       "stale version",
			results:    map[string]execResult{"UPDATE users": {tag: pgconn.NewCommandTag("UPDATE 0")}},
			userExists: true,
			want:       ErrVersionConflict,
		},
		{
			name:    "user deleted",
			results: map[string]execResult{"UPDATE users": {tag: pgconn.NewCommandTag("UPDATE 0")}},
			want:    ErrUserNotFound,
		},
		{
			name:    "position already settled",
			results: map[string]execResult{"UPDATE positions": {tag: pgconn.NewCommandTag("UPDATE 0")}},
			want:    ErrPositionConflict,
		},
		{
			name: "entry already written",
			results: map[string]execResult{
				"INSERT INTO ledger_entries": {err: &pgconn.PgError{Code: "23505"}},
			},
			want: ErrPositionConflict,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &stubTx{results: tt.results, userExists: tt.userExists}
			err := commitAccrualTx(context.Background(), tx, testAccrual())
			if tt.want == nil {
				if err != nil {
					t.Fatalf("expected commit, got %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCommitAccrualTx_StopsAtFirstGuard(t *testing.T) {
	tx := &stubTx{
		results: map[string]execResult{
			"UPDATE positions":           {tag: pgconn.NewCommandTag("UPDATE 0")},
			"INSERT INTO ledger_entries": {tag: pgconn.NewCommandTag("INSERT 0 1")},
		},
	}
	if err := commitAccrualTx(context.Background(), tx, testAccrual()); !errors.Is(err, ErrPositionConflict) {
		t.Fatalf("expected ErrPositionConflict, got %v", err)
	}
	for _, key := range tx.executed {
		if key == "INSERT INTO ledger_entries" {
			t.Fatal("expected no ledger entry after a position conflict")
		}
	}
}
