package pgstore

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/stratum-exchange/internal/models"
)

func TestBuildInserts_SplitsAtParamLimit(t *testing.T) {
	records := make([]models.Record, 40000)
	for i := range records {
		records[i] = models.Record{"id": fmt.Sprint(i), "name": "n"}
	}

	stmts := buildInserts("users", records, true)
	require.Len(t, stmts, 2)
	assert.Len(t, stmts[0].args, 2*(maxParams/2))
	assert.Len(t, stmts[1].args, 2*(40000-maxParams/2))
	for _, st := range stmts {
		assert.LessOrEqual(t, len(st.args), maxParams)
	}
}

func TestBuildInserts_EmptyRecords(t *testing.T) {
	stmts := buildInserts("users", []models.Record{{}, {}}, false)
	require.Len(t, stmts, 1)
	assert.Equal(t, `INSERT INTO "users" DEFAULT VALUES; INSERT INTO "users" DEFAULT VALUES`, stmts[0].query)
	assert.Empty(t, stmts[0].args)
}
