package workloadrepository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
	querybuilder "gitlab.com/vmfleet.net/internal/utils"
)

var _ secondary.WorkloadRepository = &WorkloadRepository{}

var workloadColumns = []string{
	"id", "owner_id", "spec", "worker_id", "state", "prev_state", "version", "reservation",
	"pending_spec", "network_address", "port", "state_reason", "billed_version", "terminated_version", "created_at", "updated_at",
}

type workloadRow struct {
	ID                string    `db:"id"`
	OwnerID           string    `db:"owner_id"`
	Spec              []byte    `db:"spec"`
	WorkerID          string    `db:"worker_id"`
	State             string    `db:"state"`
	PrevState         string    `db:"prev_state"`
	Version           int64     `db:"version"`
	Reservation       []byte    `db:"reservation"`
	PendingSpec       []byte    `db:"pending_spec"`
	NetworkAddress    string    `db:"network_address"`
	Port              int       `db:"port"`
	StateReason       string    `db:"state_reason"`
	BilledVersion     int64     `db:"billed_version"`
	TerminatedVersion int64     `db:"terminated_version"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r workloadRow) toDomain() (*domain.Workload, error) {
	wl := &domain.Workload{
		ID:                r.ID,
		OwnerID:           r.OwnerID,
		WorkerID:          r.WorkerID,
		State:             domain.WorkloadState(r.State),
		PrevState:         domain.WorkloadState(r.PrevState),
		Version:           r.Version,
		NetworkAddress:    r.NetworkAddress,
		Port:              r.Port,
		StateReason:       r.StateReason,
		BilledVersion:     r.BilledVersion,
		TerminatedVersion: r.TerminatedVersion,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Spec, &wl.Spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec of %s: %w", r.ID, err)
	}
	if len(r.Reservation) > 0 {
		if err := json.Unmarshal(r.Reservation, &wl.Reservation); err != nil {
			return nil, fmt.Errorf("failed to decode reservation of %s: %w", r.ID, err)
		}
	}
	if len(r.PendingSpec) > 0 {
		if err := json.Unmarshal(r.PendingSpec, &wl.PendingSpec); err != nil {
			return nil, fmt.Errorf("failed to decode pending spec of %s: %w", r.ID, err)
		}
	}
	return wl, nil
}

// encoded holds the JSONB columns of a workload ready for binding.
type encoded struct {
	spec        []byte
	reservation []byte
	pendingSpec interface{}
}

func encode(wl *domain.Workload) (encoded, error) {
	var e encoded
	var err error
	if e.spec, err = json.Marshal(wl.Spec); err != nil {
		return e, fmt.Errorf("failed to marshal spec: %w", err)
	}
	if e.reservation, err = json.Marshal(wl.Reservation); err != nil {
		return e, fmt.Errorf("failed to marshal reservation: %w", err)
	}
	if wl.PendingSpec != nil {
		b, err := json.Marshal(wl.PendingSpec)
		if err != nil {
			return e, fmt.Errorf("failed to marshal pending spec: %w", err)
		}
		e.pendingSpec = b
	}
	return e, nil
}

// WorkloadRepository implements secondary.WorkloadRepository with
// PostgreSQL. Updates are compare-and-set on the version column.
type WorkloadRepository struct {
	db     *sqlx.DB
	logger primary.Logger
	schema string
}

func NewWorkloadRepository(db *sqlx.DB, logger primary.Logger, schema string) *WorkloadRepository {
	return &WorkloadRepository{
		db:     db,
		logger: logger,
		schema: schema,
	}
}

func (r *WorkloadRepository) CreateWorkload(ctx context.Context, wl *domain.Workload) error {
	e, err := encode(wl)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO workloads (
			id, owner_id, spec, worker_id, state, prev_state, version, reservation,
			pending_spec, network_address, port, state_reason, billed_version, terminated_version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.db.ExecContext(ctx, query,
		wl.ID, wl.OwnerID, e.spec, wl.WorkerID, string(wl.State), string(wl.PrevState), wl.Version, e.reservation,
		e.pendingSpec, wl.NetworkAddress, wl.Port, wl.StateReason, wl.BilledVersion, wl.TerminatedVersion,
		wl.CreatedAt, wl.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create workload", "workloadId", wl.ID, "error", err)
		return fmt.Errorf("failed to create workload: %w", err)
	}
	return nil
}

func (r *WorkloadRepository) GetWorkload(ctx context.Context, workloadID string) (*domain.Workload, error) {
	var row workloadRow
	query := `SELECT ` + strings.Join(workloadColumns, ", ") + ` FROM workloads WHERE id = $1`
	err := r.db.GetContext(ctx, &row, query, workloadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get workload", "workloadId", workloadID, "error", err)
		return nil, fmt.Errorf("failed to get workload: %w", err)
	}
	return row.toDomain()
}

func (r *WorkloadRepository) ListWorkloads(ctx context.Context, filter domain.WorkloadFilter) ([]*domain.Workload, error) {
	tbl := domain.GetWorkloadTable()
	qb := querybuilder.NewQueryBuilder(r.schema).
		Select(workloadColumns...).
		From(tbl.TableName())
	if filter.OwnerID != "" {
		qb.Where(tbl.OwnerID+" = ?", filter.OwnerID)
	}
	if filter.WorkerID != "" {
		qb.Where(tbl.WorkerID+" = ?", filter.WorkerID)
	}
	if len(filter.States) > 0 {
		qb.AndGroup(func(g querybuilder.QueryBuilder) {
			for _, s := range filter.States {
				g.Or(tbl.State+" = ?", string(s))
			}
		})
	}
	query, args := qb.OrderBy(tbl.CreatedAt, true).OrderBy(tbl.ID, true).Build()
	query = r.db.Rebind(query)

	var rows []workloadRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("Failed to list workloads", "error", err)
		return nil, fmt.Errorf("failed to list workloads: %w", err)
	}
	out := make([]*domain.Workload, 0, len(rows))
	for _, row := range rows {
		wl, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, wl)
	}
	return out, nil
}

func (r *WorkloadRepository) UpdateWorkload(ctx context.Context, wl *domain.Workload, expectedVersion int64) error {
	e, err := encode(wl)
	if err != nil {
		return err
	}
	query := `
		UPDATE workloads SET
			spec = $3, worker_id = $4, state = $5, prev_state = $6, version = $7,
			reservation = $8, pending_spec = $9, network_address = $10, port = $11,
			state_reason = $12, updated_at = $13, terminated_version = $14
		WHERE id = $1 AND version = $2
	`
	res, err := r.db.ExecContext(ctx, query, wl.ID, expectedVersion,
		e.spec, wl.WorkerID, string(wl.State), string(wl.PrevState), wl.Version,
		e.reservation, e.pendingSpec, wl.NetworkAddress, wl.Port,
		wl.StateReason, wl.UpdatedAt, wl.TerminatedVersion,
	)
	if err != nil {
		r.logger.Error("Failed to update workload", "workloadId", wl.ID, "error", err)
		return fmt.Errorf("failed to update workload: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current int64
	err = r.db.GetContext(ctx, &current, `SELECT version FROM workloads WHERE id = $1`, wl.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("workload %s: %w", wl.ID, errs.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read workload version: %w", err)
	}
	return fmt.Errorf("workload %s at version %d, expected %d: %w", wl.ID, current, expectedVersion, errs.ErrStaleWrite)
}

func (r *WorkloadRepository) MarkBilled(ctx context.Context, workloadID string, version int64) error {
	res, err := r.db.ExecContext(ctx, `UPDATE workloads SET billed_version = GREATEST(billed_version, $2) WHERE id = $1`, workloadID, version)
	if err != nil {
		r.logger.Error("Failed to mark workload billed", "workloadId", workloadID, "error", err)
		return fmt.Errorf("failed to mark billed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("workload %s: %w", workloadID, errs.ErrNotFound)
	}
	return nil
}
