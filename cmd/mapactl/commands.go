package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"labmapa/internal/notify"
)

var showCmd = &cobra.Command{
	Use:   "show <parameter>",
	Short: "Print the pending matrix of a parameter",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var (
	cellEdits  []string
	fieldEdits []string
	andVistar  bool
	refresh    bool
)

var enterCmd = &cobra.Command{
	Use:   "enter <parameter>",
	Short: "Enter stage values and results, then save",
	Long: `Apply edits to the matrix and save them as one batch.

Cells are addressed as row:stage=value, result fields as row:field=value
where field is one of resultado, data_inicio, hora_inicio, data_termino,
hora_termino. An empty value clears the cell.`,
	Args: cobra.ExactArgs(1),
	RunE: runEnter,
}

var vistarCmd = &cobra.Command{
	Use:   "vistar <parameter> <row>...",
	Short: "Sign off saved rows",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runVistar,
}

var watchCmd = &cobra.Command{
	Use:   "watch <parameter>",
	Short: "Follow changes made by other operators",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search [text]",
	Short: "Find parameters with pending rows",
	RunE:  runSearch,
}

var (
	exportFormat  string
	exportOut     string
	exportArchive bool
)

var exportCmd = &cobra.Command{
	Use:   "export <parameter>",
	Short: "Download or archive the matrix as pdf, xlsx or html",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

func init() {
	enterCmd.Flags().StringArrayVar(&cellEdits, "cell", nil, "Stage value as row:stage=value (repeatable)")
	enterCmd.Flags().StringArrayVar(&fieldEdits, "field", nil, "Result field as row:field=value (repeatable)")
	enterCmd.Flags().BoolVar(&andVistar, "vistar", false, "Sign off the rows saved by this batch")
	enterCmd.Flags().BoolVar(&refresh, "refresh", false, "Reload the matrix before saving to detect concurrent edits")

	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "Maximum results")

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "pdf", "Export format: pdf, xlsx or html")
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "Output file (default: server supplied name)")
	exportCmd.Flags().BoolVar(&exportArchive, "archive", false, "Store the export in object storage instead of downloading it")
}

func runShow(cmd *cobra.Command, args []string) error {
	parameterID, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()

	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	session, err := conn.open(ctx, parameterID, false)
	if err != nil {
		return err
	}
	defer session.Close()

	renderMatrix(cmd.OutOrStdout(), session.Parameter(), session.Columns(), session.Rows())
	for _, w := range session.Warnings() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w.Message)
	}
	return nil
}

func runEnter(cmd *cobra.Command, args []string) error {
	parameterID, err := parseID(args[0])
	if err != nil {
		return err
	}
	cells := make([]cellEdit, 0, len(cellEdits))
	for _, raw := range cellEdits {
		e, err := parseCellEdit(raw)
		if err != nil {
			return err
		}
		cells = append(cells, e)
	}
	fields := make([]fieldEdit, 0, len(fieldEdits))
	for _, raw := range fieldEdits {
		e, err := parseFieldEdit(raw)
		if err != nil {
			return err
		}
		fields = append(fields, e)
	}
	if len(cells) == 0 && len(fields) == 0 {
		return errors.New("nothing to enter: use --cell or --field")
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	session, err := conn.open(ctx, parameterID, refresh)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, e := range cells {
		if err := session.SetCell(e.RowID, e.StageID, e.Value); err != nil {
			return err
		}
	}
	for _, e := range fields {
		if err := session.SetResultField(e.RowID, e.Field, e.Value); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	report, err := session.Save(ctx)
	if err != nil {
		return err
	}
	printOutcomes(out, "saved", report.Outcomes)
	printOutcomes(out, "saved", report.Excluded)

	if andVistar && len(report.Succeeded()) > 0 {
		signed, err := session.Vistar(ctx, report.Succeeded())
		if err != nil {
			return err
		}
		printOutcomes(out, "signed", signed.Rejected)
		printOutcomes(out, "signed", signed.Outcomes)
	}
	if session.HasUnsavedChanges() {
		return fmt.Errorf("%d rows were not saved", len(session.DirtyRows()))
	}
	return nil
}

func runVistar(cmd *cobra.Command, args []string) error {
	parameterID, err := parseID(args[0])
	if err != nil {
		return err
	}
	rowIDs, err := parseIDs(args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	session, err := conn.open(ctx, parameterID, false)
	if err != nil {
		return err
	}
	defer session.Close()

	report, err := session.Vistar(ctx, rowIDs)
	if err != nil {
		return err
	}
	printOutcomes(cmd.OutOrStdout(), "signed", report.Rejected)
	printOutcomes(cmd.OutOrStdout(), "signed", report.Outcomes)
	if failed := len(report.Rejected) + len(report.Failed()); failed > 0 {
		return fmt.Errorf("%d of %d rows were not signed", failed, len(rowIDs))
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	parameterID, err := parseID(args[0])
	if err != nil {
		return err
	}
	// Watching runs until interrupted, so --timeout does not apply.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	session, err := conn.open(ctx, parameterID, false)
	if err != nil {
		return err
	}
	defer session.Close()

	feed, err := notify.NewRedisFeed(cfg.RedisURL, conn.logger.Named("notify"))
	if err != nil {
		return err
	}
	defer feed.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "watching %s, Ctrl-C to stop\n", session.Parameter().Nome)
	err = session.Watch(ctx, feed, func(rows []int64) {
		conn.logger.Warn("rows changed by another operator", zap.Int64s("rows", rows))
		fmt.Fprintf(out, "conflict: rows %v changed upstream\n", rows)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}
	resp, err := conn.client.Search(ctx, strings.Join(args, " "), searchLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, r := range resp.Results {
		fmt.Fprintf(out, "%d\t%s\t%s\t%d pending\n", r.ParameterID, r.Nome, r.Metodo, r.Pending)
	}
	fmt.Fprintf(out, "%d of %d\n", len(resp.Results), resp.Total)
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	parameterID, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	conn, err := connect(ctx)
	if err != nil {
		return err
	}

	if exportArchive {
		ref, err := conn.client.Archive(ctx, parameterID, exportFormat)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "archived s3://%s/%s\n", ref.Bucket, ref.Key)
		if ref.URL != "" {
			fmt.Fprintln(cmd.OutOrStdout(), ref.URL)
		}
		return nil
	}

	file, err := conn.client.Export(ctx, parameterID, exportFormat)
	if err != nil {
		return err
	}
	path := exportOut
	if path == "" {
		path = filepath.Base(file.Name)
	}
	if err := os.WriteFile(path, file.Body, 0o644); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", path, len(file.Body))
	return nil
}
