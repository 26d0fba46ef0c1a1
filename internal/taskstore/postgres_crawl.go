package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/crawlrs/crawlrs/internal/task"
)

const crawlColumns = `id, tenant_id, seed_url, seed_task_id, config,
discovered, completed, failed, cancelled, skipped, status, webhook_url, created_at, expires_at`

func scanCrawl(row pgx.Row) (task.Crawl, error) {
	var (
		c   task.Crawl
		cfg []byte
	)
	err := row.Scan(
		&c.ID, &c.TenantID, &c.SeedURL, &c.SeedTaskID, &cfg,
		&c.Counters.Discovered, &c.Counters.Completed, &c.Counters.Failed,
		&c.Counters.Cancelled, &c.Counters.Skipped, &c.Status, &c.WebhookURL,
		&c.CreatedAt, &c.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return task.Crawl{}, task.ErrNotFound
		}
		return task.Crawl{}, fmt.Errorf("scan crawl: %w", err)
	}
	if err := json.Unmarshal(cfg, &c.Config); err != nil {
		return task.Crawl{}, fmt.Errorf("decode crawl config: %w", err)
	}
	return c, nil
}

// CreateCrawl persists a new crawl in processing status.
func (s *Postgres) CreateCrawl(ctx context.Context, c *task.Crawl) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ExpiresAt.IsZero() {
		c.ExpiresAt = c.CreatedAt.Add(task.CrawlBudget)
	}
	c.Status = task.CrawlProcessing
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return fmt.Errorf("encode crawl config: %w", err)
	}
	_, err = s.db.Exec(ctx, `
INSERT INTO crawls (id, tenant_id, seed_url, seed_task_id, config,
	status, webhook_url, created_at, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, c.TenantID, c.SeedURL, c.SeedTaskID, cfg,
		c.Status, c.WebhookURL, c.CreatedAt, c.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert crawl: %w", err)
	}
	return nil
}

// FindCrawl returns one crawl by id.
func (s *Postgres) FindCrawl(ctx context.Context, id uuid.UUID) (task.Crawl, error) {
	query := fmt.Sprintf(`SELECT %s FROM crawls WHERE id = $1`, crawlColumns)
	return scanCrawl(s.db.QueryRow(ctx, query, id))
}

// AddDiscovered bumps the discovered counter. The guard keeps the count
// from ever passing the configured page limit, so a concurrent racer
// gets a refusal instead of an over-budget crawl.
func (s *Postgres) AddDiscovered(ctx context.Context, id uuid.UUID, n int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE crawls SET discovered = discovered + $2
WHERE id = $1 AND discovered + $2 <= (config->>'limit')::int`, id, n)
	if err != nil {
		return fmt.Errorf("add discovered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.E(task.KindInvalidInput, "crawl page limit reached")
	}
	return nil
}

// RecordChildOutcome bumps the counter matching one child's terminal status.
func (s *Postgres) RecordChildOutcome(ctx context.Context, id uuid.UUID, outcome task.Status) error {
	var col string
	switch outcome {
	case task.StatusCompleted:
		col = "completed"
	case task.StatusFailed:
		col = "failed"
	case task.StatusCancelled:
		col = "cancelled"
	default:
		return fmt.Errorf("non-terminal child outcome %q", outcome)
	}
	query := fmt.Sprintf(`UPDATE crawls SET %s = %s + 1 WHERE id = $1`, col, col)
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("record child outcome: %w", err)
	}
	return nil
}

// AddSkipped counts robots-refused pages for a crawl.
func (s *Postgres) AddSkipped(ctx context.Context, id uuid.UUID, n int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE crawls SET skipped = skipped + $2 WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("add skipped: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

// SetCrawlStatus flips the crawl status. Terminal statuses are sticky.
func (s *Postgres) SetCrawlStatus(ctx context.Context, id uuid.UUID, status task.CrawlStatus) error {
	tag, err := s.db.Exec(ctx, `
UPDATE crawls SET status = $2 WHERE id = $1 AND status = 'processing'`, id, status)
	if err != nil {
		return fmt.Errorf("set crawl status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already terminal, or unknown. Distinguish for the caller.
		if _, ferr := s.FindCrawl(ctx, id); ferr != nil {
			return ferr
		}
		return task.ErrTerminal
	}
	return nil
}

// ListExpired returns processing crawls whose wall-clock budget elapsed.
func (s *Postgres) ListExpired(ctx context.Context, now time.Time) ([]task.Crawl, error) {
	query := fmt.Sprintf(`
SELECT %s FROM crawls WHERE status = 'processing' AND expires_at <= $1`, crawlColumns)
	rows, err := s.db.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("list expired crawls: %w", err)
	}
	defer rows.Close()
	var out []task.Crawl
	for rows.Next() {
		c, err := scanCrawl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired crawls: %w", err)
	}
	return out, nil
}
