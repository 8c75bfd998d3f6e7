package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/attendguard/attendguard/internal/config"
	"github.com/attendguard/attendguard/internal/identity"
	"github.com/attendguard/attendguard/internal/logging"
	"github.com/attendguard/attendguard/internal/proxy"
	"github.com/attendguard/attendguard/internal/server"
)

var exportFlags struct {
	status, kind, student, session string
	from, to                       string
	output                         string
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write violations as CSV",
	Long: `Write the violations matching the filters as CSV, newest first, to stdout
or to the file given with -o. Times are RFC 3339.`,
	Example: `  attendguard export --status FLAGGED --from 2026-03-01T00:00:00Z -o flagged.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := exportFilter()
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// stdout may carry the CSV
		logger := logging.NewWithWriter(os.Stderr, cfg.LogLevel, cfg.LogFormat)

		ctx := cmd.Context()
		st, err := server.OpenStorage(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }()

		var w io.Writer = cmd.OutOrStdout()
		if exportFlags.output != "" {
			file, err := os.Create(exportFlags.output)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", exportFlags.output, err)
			}
			defer func() { _ = file.Close() }()
			w = file
		}

		review := proxy.NewReview(st.Store, identity.NewCachedDirectory(st.Directory, cfg.IdentityCacheTTL))
		if err := review.ExportCSV(ctx, w, f); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		if exportFlags.output != "" {
			logger.Info("export written", "file", exportFlags.output)
		}
		return nil
	},
}

func exportFilter() (proxy.ListFilter, error) {
	var f proxy.ListFilter
	var err error
	if exportFlags.status != "" {
		if f.Status, err = proxy.ParseStatus(exportFlags.status); err != nil {
			return f, err
		}
	}
	if exportFlags.kind != "" {
		if f.Kind, err = proxy.ParseKind(exportFlags.kind); err != nil {
			return f, err
		}
	}
	f.Student = exportFlags.student
	f.SessionID = exportFlags.session
	if exportFlags.from != "" {
		if f.From, err = time.Parse(time.RFC3339, exportFlags.from); err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
	}
	if exportFlags.to != "" {
		if f.To, err = time.Parse(time.RFC3339, exportFlags.to); err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
	}
	return f, nil
}

func init() {
	fl := exportCmd.Flags()
	fl.StringVar(&exportFlags.status, "status", "", "review status (FLAGGED, REVIEWED, CLEARED, CONFIRMED)")
	fl.StringVar(&exportFlags.kind, "kind", "", "violation kind, e.g. OUTSIDE_GEOFENCE")
	fl.StringVar(&exportFlags.student, "student", "", "substring of the student label or id")
	fl.StringVar(&exportFlags.session, "session", "", "session id")
	fl.StringVar(&exportFlags.from, "from", "", "earliest occurrence, inclusive")
	fl.StringVar(&exportFlags.to, "to", "", "latest occurrence, exclusive")
	fl.StringVarP(&exportFlags.output, "output", "o", "", "write to file instead of stdout")
}
