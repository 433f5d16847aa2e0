// Package maintenance runs the periodic housekeeping jobs of the service:
// pruning the query audit log and verifying the published schema index.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/duckmesh/nlq/internal/retrieval/snapshot"
	"github.com/duckmesh/nlq/internal/storage"
)

const maxIssueSamples = 20

// AuditPruner deletes audit entries created before the cutoff and reports
// how many rows it removed.
type AuditPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	// AuditRetention is how long audit entries are kept. Zero disables
	// pruning.
	AuditRetention    time.Duration
	RetentionInterval time.Duration
	IntegrityInterval time.Duration
	// IndexName selects the schema index whose latest snapshot is verified.
	// Empty disables the integrity job.
	IndexName        string
	MaxSnapshotBytes int64
}

type Service struct {
	Audit       AuditPruner
	ObjectStore storage.ObjectStore
	Config      Config
	Logger      *slog.Logger
	Clock       func() time.Time
}

type RetentionSummary struct {
	Cutoff        time.Time `json:"cutoff"`
	EntriesPruned int64     `json:"entries_pruned"`
}

type IntegritySummary struct {
	SnapshotKey    string `json:"snapshot_key"`
	SizeBytes      int64  `json:"size_bytes"`
	Chunks         int    `json:"chunks"`
	Tables         int    `json:"tables"`
	Dimensions     int    `json:"dimensions"`
	EmptyChunks    int    `json:"empty_chunks"`
	SizeMismatches int    `json:"size_mismatches"`
}

// Enabled reports whether Run has any job to schedule.
func (s *Service) Enabled() bool {
	return s.retentionEnabled() || s.integrityEnabled()
}

// Run schedules the enabled jobs until ctx is cancelled. Job failures are
// logged and never stop the loop.
func (s *Service) Run(ctx context.Context) error {
	s.ensureDefaults()

	var retentionC, integrityC <-chan time.Time
	if s.retentionEnabled() {
		ticker := time.NewTicker(s.Config.RetentionInterval)
		defer ticker.Stop()
		retentionC = ticker.C
	}
	if s.integrityEnabled() {
		ticker := time.NewTicker(s.Config.IntegrityInterval)
		defer ticker.Stop()
		integrityC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-retentionC:
			summary, err := s.RunRetentionOnce(ctx)
			if err != nil {
				s.logError(ctx, "audit retention cycle failed", err, summary)
				continue
			}
			s.logInfo(ctx, "audit retention cycle completed", summary)
		case <-integrityC:
			summary, err := s.RunIntegrityCheckOnce(ctx)
			if err != nil {
				s.logError(ctx, "schema index integrity check failed", err, summary)
				continue
			}
			s.logInfo(ctx, "schema index integrity check completed", summary)
		}
	}
}

func (s *Service) RunRetentionOnce(ctx context.Context) (RetentionSummary, error) {
	s.ensureDefaults()
	if s.Audit == nil {
		return RetentionSummary{}, fmt.Errorf("audit pruner is required")
	}
	if s.Config.AuditRetention <= 0 {
		return RetentionSummary{}, fmt.Errorf("audit retention must be positive")
	}

	summary := RetentionSummary{Cutoff: s.Clock().UTC().Add(-s.Config.AuditRetention)}
	deleted, err := s.Audit.DeleteBefore(ctx, summary.Cutoff)
	if err != nil {
		retentionRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("prune audit entries: %w", err)
	}
	summary.EntriesPruned = deleted
	if deleted > 0 {
		auditEntriesPrunedTotal.Add(float64(deleted))
	}
	retentionRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

// RunIntegrityCheckOnce downloads the latest snapshot of the configured
// index and verifies that it decodes, that its size matches the object
// metadata, and that every chunk carries text.
func (s *Service) RunIntegrityCheckOnce(ctx context.Context) (IntegritySummary, error) {
	s.ensureDefaults()
	if s.ObjectStore == nil {
		return IntegritySummary{}, fmt.Errorf("object store is required")
	}
	key, err := storage.LatestSnapshotKey(s.Config.IndexName)
	if err != nil {
		return IntegritySummary{}, err
	}
	summary := IntegritySummary{SnapshotKey: key}

	data, info, err := storage.ReadAll(ctx, s.ObjectStore, key, s.Config.MaxSnapshotBytes)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, storage.ErrObjectNotFound) {
			return summary, fmt.Errorf("snapshot %s is missing", key)
		}
		return summary, fmt.Errorf("read snapshot %s: %w", key, err)
	}
	summary.SizeBytes = int64(len(data))

	issues := make([]string, 0, maxIssueSamples)
	issueCount := 0
	addIssue := func(message string) {
		issueCount++
		if len(issues) < maxIssueSamples {
			issues = append(issues, message)
		}
	}

	if info.Size != summary.SizeBytes {
		summary.SizeMismatches++
		addIssue(fmt.Sprintf("size mismatch for %s (expected=%d actual=%d)", key, info.Size, summary.SizeBytes))
	}

	records, err := snapshot.Decode(data)
	if err != nil {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		return summary, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	summary.Chunks = len(records)
	tables := make(map[string]struct{})
	for _, record := range records {
		if summary.Dimensions == 0 {
			summary.Dimensions = len(record.Embedding)
		}
		if record.Chunk.Table != "" {
			tables[record.Chunk.QualifiedName()] = struct{}{}
		}
		if strings.TrimSpace(record.Chunk.Text) == "" {
			summary.EmptyChunks++
			addIssue(fmt.Sprintf("chunk %s has no text", record.Chunk.ID))
		}
	}
	summary.Tables = len(tables)
	if summary.Chunks == 0 {
		addIssue(fmt.Sprintf("snapshot %s holds no chunks", key))
	}

	if issueCount > 0 {
		integrityRunsTotal.WithLabelValues("failed").Inc()
		if extra := issueCount - len(issues); extra > 0 {
			return summary, fmt.Errorf("integrity check found %d issue(s): %s; ... plus %d more", issueCount, strings.Join(issues, "; "), extra)
		}
		return summary, fmt.Errorf("integrity check found %d issue(s): %s", issueCount, strings.Join(issues, "; "))
	}
	indexChunksGauge.Set(float64(summary.Chunks))
	integrityRunsTotal.WithLabelValues("completed").Inc()
	return summary, nil
}

func (s *Service) retentionEnabled() bool {
	return s.Audit != nil && s.Config.AuditRetention > 0
}

func (s *Service) integrityEnabled() bool {
	return s.ObjectStore != nil && s.Config.IndexName != ""
}

func (s *Service) logInfo(ctx context.Context, msg string, summary any) {
	if s.Logger != nil {
		s.Logger.InfoContext(ctx, msg, slog.Any("summary", summary))
	}
}

func (s *Service) logError(ctx context.Context, msg string, err error, summary any) {
	if s.Logger != nil {
		s.Logger.ErrorContext(ctx, msg, slog.Any("error", err), slog.Any("summary", summary))
	}
}

func (s *Service) ensureDefaults() {
	if s.Clock == nil {
		s.Clock = time.Now
	}
	if s.Config.RetentionInterval <= 0 {
		s.Config.RetentionInterval = time.Hour
	}
	if s.Config.IntegrityInterval <= 0 {
		s.Config.IntegrityInterval = 15 * time.Minute
	}
	if s.Config.MaxSnapshotBytes <= 0 {
		s.Config.MaxSnapshotBytes = 256 << 20
	}
}
