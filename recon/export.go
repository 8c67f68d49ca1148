package recon

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"infermesh/observability/metrics"
)

// Anomaly types the exporter raises for operator review.
const (
	AnomalyUnsettledJob  = "unsettled_job"
	AnomalyTotalMismatch = "total_mismatch"
)

// Anomaly is a reconciliation finding attached to a report.
type Anomaly struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId,omitempty"`
	PeerID  string `json:"peerId,omitempty"`
	Details string `json:"details"`
}

// Report references the artefacts written for one export window.
type Report struct {
	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	JobCount         int       `json:"jobCount"`
	SummaryCount     int       `json:"summaryCount"`
	JobsCSV          string    `json:"jobsCsv"`
	JobsParquet      string    `json:"jobsParquet"`
	SummariesParquet string    `json:"summariesParquet,omitempty"`
	Anomalies        []Anomaly `json:"anomalies,omitempty"`
}

// Exporter materialises reconciliation reports joining the job history with
// the receipt summaries peers published.
type Exporter struct {
	store     *Store
	outputDir string
	logger    *slog.Logger
}

// NewExporter builds an exporter writing under outputDir.
func NewExporter(store *Store, outputDir string, logger *slog.Logger) *Exporter {
	if strings.TrimSpace(outputDir) == "" {
		outputDir = filepath.Join("router-data", "recon")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:     store,
		outputDir: outputDir,
		logger:    logger.With("component", "recon"),
	}
}

// Export writes the report for [start, end]: a CSV and a SNAPPY parquet of
// jobs carrying their peer's summary window, plus a parquet of the raw
// summaries.
func (e *Exporter) Export(ctx context.Context, start, end time.Time) (*Report, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("recon: export window end before start")
	}
	jobs, err := e.store.JobsBetween(ctx, start, end)
	if err != nil {
		return nil, err
	}
	summaries, err := e.store.SummariesBetween(ctx, start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return nil, err
	}

	runDir := filepath.Join(e.outputDir, fmt.Sprintf("%s_%s", start.Format("20060102"), end.Format("20060102")))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("recon: ensure output dir: %w", err)
	}

	rows := joinRows(jobs, summaries)
	report := &Report{
		Start:        start,
		End:          end,
		JobCount:     len(jobs),
		SummaryCount: len(summaries),
		Anomalies:    detectAnomalies(jobs, summaries),
	}

	report.JobsCSV = filepath.Join(runDir, "jobs.csv")
	if err := writeJobsCSV(report.JobsCSV, rows); err != nil {
		return nil, err
	}
	report.JobsParquet = filepath.Join(runDir, "jobs.parquet")
	if err := writeJobsParquet(report.JobsParquet, rows); err != nil {
		return nil, err
	}
	if len(summaries) > 0 {
		report.SummariesParquet = filepath.Join(runDir, "summaries.parquet")
		if err := writeSummariesParquet(report.SummariesParquet, summaries); err != nil {
			return nil, err
		}
	}

	metrics.Stores().IncReconExport()
	e.logger.Info("wrote reconciliation report",
		"dir", runDir, "jobs", len(jobs), "summaries", len(summaries), "anomalies", len(report.Anomalies))
	return report, nil
}

// joinedRow is a job enriched with the peer summary window covering it.
type joinedRow struct {
	JobRecord
	SummaryMatched bool
	PeerWindowJobs int
	PeerWindowMsat int64
}

func joinRows(jobs []JobRecord, summaries []ReceiptSummaryRecord) []joinedRow {
	rows := make([]joinedRow, 0, len(jobs))
	for _, job := range jobs {
		row := joinedRow{JobRecord: job}
		atMs := job.CreatedAt.UnixMilli()
		for _, s := range summaries {
			if s.RouterID != job.PeerID {
				continue
			}
			if atMs < s.WindowStartMs || atMs > s.WindowEndMs {
				continue
			}
			row.SummaryMatched = true
			row.PeerWindowJobs = s.JobCount
			row.PeerWindowMsat = s.TotalMsat
			break
		}
		rows = append(rows, row)
	}
	return rows
}

// detectAnomalies flags outbound jobs that never settled and peers whose
// summary totals disagree with the settled jobs recorded against them.
func detectAnomalies(jobs []JobRecord, summaries []ReceiptSummaryRecord) []Anomaly {
	anomalies := make([]Anomaly, 0)
	settledByPeer := make(map[string]int64)
	for _, job := range jobs {
		if job.Direction != DirectionOutbound {
			continue
		}
		switch job.Outcome {
		case OutcomeSettled:
			settledByPeer[job.PeerID] += job.PriceMsat
		case OutcomeAwarded, OutcomeDispatched:
			anomalies = append(anomalies, Anomaly{
				Type:    AnomalyUnsettledJob,
				JobID:   job.JobID,
				PeerID:  job.PeerID,
				Details: fmt.Sprintf("job %s stuck in %s", job.JobID, job.Outcome),
			})
		}
	}

	summarizedByPeer := make(map[string]int64)
	for _, s := range summaries {
		summarizedByPeer[s.RouterID] += s.TotalMsat
	}
	for peer, settled := range settledByPeer {
		summarized, ok := summarizedByPeer[peer]
		if !ok || settled == summarized {
			continue
		}
		anomalies = append(anomalies, Anomaly{
			Type:    AnomalyTotalMismatch,
			PeerID:  peer,
			Details: fmt.Sprintf("settled %d msat vs summarized %d msat", settled, summarized),
		})
	}
	return anomalies
}

func writeJobsCSV(path string, rows []joinedRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create csv: %w", err)
	}
	defer file.Close()
	w := csv.NewWriter(file)
	header := []string{
		"job_id", "job_hash", "direction", "model_id", "est_tokens", "bid_count",
		"peer_id", "price_msat", "eta_ms", "outcome", "detail", "created_at",
		"summary_matched", "peer_window_jobs", "peer_window_msat",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("recon: write csv header: %w", err)
	}
	for _, row := range rows {
		record := []string{
			row.JobID,
			row.JobHash,
			row.Direction,
			row.ModelID,
			fmt.Sprintf("%d", row.EstTokens),
			fmt.Sprintf("%d", row.BidCount),
			row.PeerID,
			fmt.Sprintf("%d", row.PriceMsat),
			fmt.Sprintf("%d", row.EtaMs),
			row.Outcome,
			row.Detail,
			row.CreatedAt.UTC().Format(time.RFC3339),
			boolString(row.SummaryMatched),
			fmt.Sprintf("%d", row.PeerWindowJobs),
			fmt.Sprintf("%d", row.PeerWindowMsat),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("recon: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("recon: flush csv: %w", err)
	}
	return nil
}

type jobParquetRow struct {
	JobID          string `parquet:"name=job_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	JobHash        string `parquet:"name=job_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction      string `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	ModelID        string `parquet:"name=model_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EstTokens      int32  `parquet:"name=est_tokens, type=INT32"`
	BidCount       int32  `parquet:"name=bid_count, type=INT32"`
	PeerID         string `parquet:"name=peer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	PriceMsat      int64  `parquet:"name=price_msat, type=INT64"`
	EtaMs          int64  `parquet:"name=eta_ms, type=INT64"`
	Outcome        string `parquet:"name=outcome, type=BYTE_ARRAY, convertedtype=UTF8"`
	Detail         string `parquet:"name=detail, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	SummaryMatched bool   `parquet:"name=summary_matched, type=BOOLEAN"`
	PeerWindowJobs int32  `parquet:"name=peer_window_jobs, type=INT32"`
	PeerWindowMsat int64  `parquet:"name=peer_window_msat, type=INT64"`
}

func writeJobsParquet(path string, rows []joinedRow) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(jobParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, row := range rows {
		pr := &jobParquetRow{
			JobID:          row.JobID,
			JobHash:        row.JobHash,
			Direction:      row.Direction,
			ModelID:        row.ModelID,
			EstTokens:      int32(row.EstTokens),
			BidCount:       int32(row.BidCount),
			PeerID:         row.PeerID,
			PriceMsat:      row.PriceMsat,
			EtaMs:          row.EtaMs,
			Outcome:        row.Outcome,
			Detail:         row.Detail,
			CreatedAt:      row.CreatedAt.UTC().Format(time.RFC3339),
			SummaryMatched: row.SummaryMatched,
			PeerWindowJobs: int32(row.PeerWindowJobs),
			PeerWindowMsat: row.PeerWindowMsat,
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

type summaryParquetRow struct {
	RouterID      string `parquet:"name=router_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	WindowStartMs int64  `parquet:"name=window_start_ms, type=INT64"`
	WindowEndMs   int64  `parquet:"name=window_end_ms, type=INT64"`
	JobCount      int32  `parquet:"name=job_count, type=INT32"`
	TotalMsat     int64  `parquet:"name=total_msat, type=INT64"`
	ReceiptsHash  string `parquet:"name=receipts_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	RecordedAt    string `parquet:"name=recorded_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func writeSummariesParquet(path string, summaries []ReceiptSummaryRecord) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("recon: create parquet: %w", err)
	}
	fw := writerfile.NewWriterFile(file)
	pw, err := writer.NewParquetWriter(fw, new(summaryParquetRow), 1)
	if err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet schema: %w", err)
	}
	pw.RowGroupSize = 128 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, s := range summaries {
		pr := &summaryParquetRow{
			RouterID:      s.RouterID,
			WindowStartMs: s.WindowStartMs,
			WindowEndMs:   s.WindowEndMs,
			JobCount:      int32(s.JobCount),
			TotalMsat:     s.TotalMsat,
			ReceiptsHash:  s.ReceiptsHash,
			RecordedAt:    s.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := pw.Write(pr); err != nil {
			pw.WriteStop()
			file.Close()
			return fmt.Errorf("recon: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		file.Close()
		return fmt.Errorf("recon: parquet flush: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("recon: close parquet file: %w", err)
	}
	return nil
}

func boolString(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
