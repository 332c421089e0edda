package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/vat-checker/internal/batch"
)

// Poller is the read side of the batch service.
type Poller interface {
	Poll(ctx context.Context, jobID string) (*batch.PollResult, error)
}

// Service is a tiny façade over the poll API that produces XLSX bytes for exports.
type Service struct {
	poller Poller
	logger *slog.Logger
}

func NewService(poller Poller, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{poller: poller, logger: logger}
}

const sheet = "Results"

var headers = []string{
	"Input",
	"Lookup Key",
	"Jurisdiction",
	"Identifier",
	"State",
	"Source",
	"Valid",
	"Name",
	"Address",
	"Error Code",
	"Error Message",
	"Attempts",
	"Next Retry At",
}

// JobXLSX returns an XLSX workbook (as bytes) with one row per job item.
func (s *Service) JobXLSX(ctx context.Context, jobID string) ([]byte, error) {
	start := time.Now()

	res, err := s.poller.Poll(ctx, jobID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	for i, r := range res.Results {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, r.Input)
		write(2, r.LookupKey)
		write(3, r.JurisdictionCode)
		write(4, r.IdentifierBody)
		write(5, r.State)
		write(6, string(r.Source))
		switch {
		case r.Valid == nil:
			write(7, "")
		case *r.Valid:
			write(7, "yes")
		default:
			write(7, "no")
		}
		write(8, r.Name)
		write(9, truncate(r.Address, 200))
		write(10, r.ErrorCode)
		write(11, truncate(r.ErrorMessage, 140))
		if r.Attempt != nil {
			write(12, *r.Attempt)
		}
		if r.NextRetryAt != nil {
			write(13, r.NextRetryAt.UTC().Format(time.RFC3339))
		}
	}

	// Job summary below the rows
	summary := len(res.Results) + 3
	for col, v := range []any{"Job", res.Job.JobID, string(res.Job.Status), fmt.Sprintf("%d/%d", res.Job.Done, res.Job.Total)} {
		cell, _ := excelize.CoordinatesToCellName(col+1, summary)
		_ = f.SetCellValue(sheet, cell, v)
	}

	_ = f.SetColWidth(sheet, "A", "B", 20)
	_ = f.SetColWidth(sheet, "C", "F", 12)
	_ = f.SetColWidth(sheet, "H", "I", 40)
	_ = f.SetColWidth(sheet, "J", "K", 28)
	_ = f.SetColWidth(sheet, "M", "M", 22)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"job_id", jobID,
		"rows", len(res.Results),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
