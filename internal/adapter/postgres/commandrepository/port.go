package commandrepository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ secondary.CommandRepository = &CommandRepository{}

const commandColumns = `token, seq, worker_id, workload_id, workload_version, type, payload, payload_digest,
	issued_at, delivered_at, last_delivered_at, delivery_count, outcome, resolved_at, resolved_tier, result, in_outbox`

type commandRow struct {
	Token           string       `db:"token"`
	Seq             int64        `db:"seq"`
	WorkerID        string       `db:"worker_id"`
	WorkloadID      string       `db:"workload_id"`
	WorkloadVersion int64        `db:"workload_version"`
	Type            string       `db:"type"`
	Payload         []byte       `db:"payload"`
	PayloadDigest   string       `db:"payload_digest"`
	IssuedAt        time.Time    `db:"issued_at"`
	DeliveredAt     sql.NullTime `db:"delivered_at"`
	LastDeliveredAt sql.NullTime `db:"last_delivered_at"`
	DeliveryCount   int          `db:"delivery_count"`
	Outcome         string       `db:"outcome"`
	ResolvedAt      sql.NullTime `db:"resolved_at"`
	ResolvedTier    int          `db:"resolved_tier"`
	Result          []byte       `db:"result"`
	InOutbox        bool         `db:"in_outbox"`
}

func (r commandRow) toDomain() *domain.Command {
	return &domain.Command{
		Token:           r.Token,
		Seq:             r.Seq,
		WorkerID:        r.WorkerID,
		WorkloadID:      r.WorkloadID,
		WorkloadVersion: r.WorkloadVersion,
		Type:            domain.CommandType(r.Type),
		Payload:         json.RawMessage(r.Payload),
		PayloadDigest:   r.PayloadDigest,
		IssuedAt:        r.IssuedAt,
		DeliveredAt:     timePtr(r.DeliveredAt),
		LastDeliveredAt: timePtr(r.LastDeliveredAt),
		DeliveryCount:   r.DeliveryCount,
		Outcome:         domain.CommandOutcome(r.Outcome),
		ResolvedAt:      timePtr(r.ResolvedAt),
		ResolvedTier:    r.ResolvedTier,
		Result:          json.RawMessage(r.Result),
		InOutbox:        r.InOutbox,
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// CommandRepository is the PostgreSQL command registry. Resolved commands
// are moved to commands_archive by ArchiveResolved and stay readable
// through GetCommand.
type CommandRepository struct {
	db     *sqlx.DB
	logger primary.Logger
}

func NewCommandRepository(db *sqlx.DB, logger primary.Logger) *CommandRepository {
	return &CommandRepository{
		db:     db,
		logger: logger,
	}
}

func (r *CommandRepository) NextCommandSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.db.GetContext(ctx, &seq, `SELECT nextval('command_token_seq')`); err != nil {
		r.logger.Error("Failed to allocate command sequence", "error", err)
		return 0, fmt.Errorf("failed to allocate command sequence: %w", err)
	}
	return seq, nil
}

func (r *CommandRepository) InsertCommand(ctx context.Context, cmd *domain.Command) error {
	var result interface{}
	if len(cmd.Result) > 0 {
		result = []byte(cmd.Result)
	}
	query := `
		INSERT INTO commands (
			token, seq, worker_id, workload_id, workload_version, type, payload, payload_digest,
			issued_at, delivery_count, outcome, resolved_tier, result, in_outbox
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := r.db.ExecContext(ctx, query,
		cmd.Token, cmd.Seq, cmd.WorkerID, cmd.WorkloadID, cmd.WorkloadVersion, string(cmd.Type), []byte(cmd.Payload), cmd.PayloadDigest,
		cmd.IssuedAt, cmd.DeliveryCount, string(cmd.Outcome), cmd.ResolvedTier, result, cmd.InOutbox,
	)
	if err != nil {
		r.logger.Error("Failed to insert command", "token", cmd.Token, "error", err)
		return fmt.Errorf("failed to insert command: %w", err)
	}
	return nil
}

func (r *CommandRepository) GetCommand(ctx context.Context, token string) (*domain.Command, error) {
	var row commandRow
	query := `
		SELECT ` + commandColumns + ` FROM commands WHERE token = $1
		UNION ALL
		SELECT ` + commandColumns + ` FROM commands_archive WHERE token = $1
		LIMIT 1
	`
	err := r.db.GetContext(ctx, &row, query, token)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get command", "token", token, "error", err)
		return nil, fmt.Errorf("failed to get command: %w", err)
	}
	return row.toDomain(), nil
}

func (r *CommandRepository) ListOutbox(ctx context.Context, workerID string) ([]*domain.Command, error) {
	return r.selectCommands(ctx, `SELECT `+commandColumns+` FROM commands WHERE in_outbox AND worker_id = $1 ORDER BY seq`, workerID)
}

func (r *CommandRepository) ListCommandsByWorkload(ctx context.Context, workloadID string) ([]*domain.Command, error) {
	return r.selectCommands(ctx, `SELECT `+commandColumns+` FROM commands WHERE workload_id = $1 ORDER BY seq`, workloadID)
}

func (r *CommandRepository) ListPendingIssuedBefore(ctx context.Context, cutoff time.Time) ([]*domain.Command, error) {
	return r.selectCommands(ctx, `SELECT `+commandColumns+` FROM commands WHERE outcome = $1 AND issued_at < $2 ORDER BY seq`,
		string(domain.OutcomePending), cutoff)
}

func (r *CommandRepository) selectCommands(ctx context.Context, query string, args ...interface{}) ([]*domain.Command, error) {
	var rows []commandRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("Failed to list commands", "error", err)
		return nil, fmt.Errorf("failed to list commands: %w", err)
	}
	out := make([]*domain.Command, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *CommandRepository) MarkDelivered(ctx context.Context, tokens []string, at time.Time) error {
	if len(tokens) == 0 {
		return nil
	}
	query := `
		UPDATE commands SET
			delivered_at = COALESCE(delivered_at, $2),
			last_delivered_at = $2,
			delivery_count = delivery_count + 1
		WHERE token = ANY($1)
	`
	if _, err := r.db.ExecContext(ctx, query, pq.Array(tokens), at); err != nil {
		r.logger.Error("Failed to mark commands delivered", "count", len(tokens), "error", err)
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	return nil
}

func (r *CommandRepository) ResolveCommand(ctx context.Context, token string, outcome domain.CommandOutcome, tier int, result json.RawMessage, at time.Time) (bool, error) {
	var resultArg interface{}
	if len(result) > 0 {
		resultArg = []byte(result)
	}
	query := `
		UPDATE commands SET
			outcome = $2, resolved_tier = $3, result = $4, resolved_at = $5, in_outbox = FALSE
		WHERE token = $1 AND outcome = $6
	`
	res, err := r.db.ExecContext(ctx, query, token, string(outcome), tier, resultArg, at, string(domain.OutcomePending))
	if err != nil {
		r.logger.Error("Failed to resolve command", "token", token, "error", err)
		return false, fmt.Errorf("failed to resolve command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	existing, err := r.GetCommand(ctx, token)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return false, fmt.Errorf("command %s: %w", token, errs.ErrNotFound)
	}
	return false, nil
}

func (r *CommandRepository) ArchiveResolved(ctx context.Context, cutoff time.Time) (int, error) {
	query := `
		WITH moved AS (
			DELETE FROM commands WHERE resolved_at IS NOT NULL AND resolved_at < $1 RETURNING *
		)
		INSERT INTO commands_archive SELECT * FROM moved
	`
	res, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		r.logger.Error("Failed to archive commands", "error", err)
		return 0, fmt.Errorf("failed to archive commands: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
