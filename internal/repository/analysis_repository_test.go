package repository

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/killhouse/engine/internal/analysis"
)

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn, PreferSimpleProtocol: true}), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	return db, mock
}

// jsonbValue matches a bound parameter the postgres wire protocol will accept
// for a jsonb column: a text value holding valid JSON. A raw []byte would go
// out with the bytea OID and the server would reject the write with 42804.
type jsonbValue struct{}

func (jsonbValue) Match(v driver.Value) bool {
	s, ok := v.(string)
	return ok && json.Valid([]byte(s))
}

func TestAppendLogBindsJSONB(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAnalysisRepository(db)

	id := uuid.New()
	existing, err := analysis.AppendLog(nil, analysis.LogEntry{Step: "Queued", Level: "info", Message: "queued"})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT \* FROM "analyses" WHERE id = .+ FOR UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "project_id", "status", "started_at", "logs"}).
			AddRow(id.String(), uuid.NewString(), "SCANNING", time.Now().UTC(), existing))
	mock.ExpectExec(`UPDATE "analyses" SET "logs"=\$1`).
		WithArgs(jsonbValue{}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = repo.AppendLog(context.Background(), id, analysis.LogEntry{
		Timestamp: time.Now().UTC(),
		Step:      "Scanning",
		Level:     "info",
		Message:   "scan started",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
