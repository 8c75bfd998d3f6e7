package proxy

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/attendguard/attendguard/internal/pagination"
)

// CSVHeader is the fixed column order of ExportCSV.
var CSVHeader = []string{
	"Timestamp",
	"Student ID",
	"Student Label",
	"Email",
	"Violation Kind",
	"Risk Score",
	"Status",
	"Details",
	"Network Address",
	"Fingerprint",
}

const exportPageSize = pagination.MaxLimit

// ExportCSV streams every violation matching f to w, newest first.
// f.Limit and f.Cursor are ignored.
func (r *Review) ExportCSV(ctx context.Context, w io.Writer, f ListFilter) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	emails := make(map[string]string)
	f.Cursor = nil
	for {
		f.Limit = exportPageSize + 1
		vs, _, err := r.store.ListViolations(ctx, f)
		if err != nil {
			return err
		}
		page, _, more := pagination.ComputePage(vs, exportPageSize, func(v *Violation) (time.Time, string) {
			return v.OccurredAt, v.ID
		})
		for _, v := range page {
			if err := cw.Write(r.csvRow(ctx, v, emails)); err != nil {
				return fmt.Errorf("write row %s: %w", v.ID, err)
			}
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
		if !more {
			return nil
		}
		last := page[len(page)-1]
		f.Cursor = &pagination.Cursor{At: last.OccurredAt, ID: last.ID}
	}
}

func (r *Review) csvRow(ctx context.Context, v *Violation, emails map[string]string) []string {
	email, ok := emails[v.StudentID]
	if !ok {
		if u := r.lookup(ctx, v.StudentID); u != nil {
			email = u.Email
		}
		emails[v.StudentID] = email
	}
	return []string{
		v.OccurredAt.UTC().Format(time.RFC3339),
		v.StudentID,
		v.StudentLabel,
		email,
		string(v.Kind),
		strconv.FormatFloat(v.RiskScore, 'f', -1, 64),
		string(v.Status),
		v.Details,
		v.NetworkAddress,
		v.Fingerprint,
	}
}
