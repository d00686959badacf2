package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"bustrack/common/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyPool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ApplyPool(db, &config.DatabaseConfig{MaxConns: 4, MaxIdle: 10, ConnMaxLifetime: time.Minute})

	assert.Equal(t, 4, db.Stats().MaxOpenConnections)
}

func TestPing(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	require.NoError(t, Ping(context.Background(), db))
	assert.EqualError(t, Ping(context.Background(), db), "connection refused")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClose_NilDB(t *testing.T) {
	assert.NoError(t, Close(nil))
}
