package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFrom_EmptyRows(t *testing.T) {
	n, err := CopyFrom(context.TODO(), nil, "opportunity_tags", []string{"opportunity_id", "tag"}, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestCopyFrom_Success(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"opportunity_tags"}, []string{"opportunity_id", "tag"}).WillReturnResult(3)

	rows := [][]any{{"op-1", "energy"}, {"op-1", "rural"}, {"op-2", "health"}}
	n, err := CopyFrom(context.Background(), mock, "opportunity_tags", []string{"opportunity_id", "tag"}, rows)
	assert.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCopyFrom_Error(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectCopyFrom(pgx.Identifier{"opportunity_tags"}, []string{"opportunity_id", "tag"}).WillReturnError(fmt.Errorf("copy failed"))

	rows := [][]any{{"op-1", "energy"}}
	_, err = CopyFrom(context.Background(), mock, "opportunity_tags", []string{"opportunity_id", "tag"}, rows)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO opportunity_tags")
	assert.NoError(t, mock.ExpectationsWereMet())
}
