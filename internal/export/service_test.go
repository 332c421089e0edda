package export

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/vat-checker/constants"
	"github.com/joseph-ayodele/vat-checker/internal/batch"
	"github.com/joseph-ayodele/vat-checker/internal/common"
)

type stubPoller struct {
	res *batch.PollResult
	err error
}

func (s stubPoller) Poll(context.Context, string) (*batch.PollResult, error) {
	return s.res, s.err
}

func TestJobXLSX(t *testing.T) {
	yes := true
	attempts := 2
	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poller := stubPoller{res: &batch.PollResult{
		Job: batch.JobView{JobID: "job-1", Status: constants.JobStatusRunning, Total: 2, Done: 1},
		Results: []batch.Row{
			{Input: "DE123", LookupKey: "DE123", JurisdictionCode: "DE", IdentifierBody: "123", State: "done", Source: constants.SourceSlow, Valid: &yes, Name: "ACME"},
			{Input: "DE456", LookupKey: "DE456", State: "retry", Source: constants.SourceSlow, ErrorCode: constants.CodeTimeout, Attempt: &attempts, NextRetryAt: &due},
		},
	}}

	data, err := NewService(poller, nil).JobXLSX(context.Background(), "job-1")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(rows), 3)
	assert.Equal(t, headers, rows[0])
	assert.Equal(t, "DE123", rows[1][0])
	assert.Equal(t, "yes", rows[1][6])
	assert.Equal(t, "ACME", rows[1][7])
	assert.Equal(t, constants.CodeTimeout, rows[2][9])
	assert.Equal(t, "2", rows[2][11])
	assert.Equal(t, "2026-03-01T12:00:00Z", rows[2][12])
}

func TestJobXLSX_PollError(t *testing.T) {
	_, err := NewService(stubPoller{err: common.NotFoundErrorf("job x not found")}, nil).JobXLSX(context.Background(), "x")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}
