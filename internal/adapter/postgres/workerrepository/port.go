package workerrepository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"gitlab.com/vmfleet.net/internal/core/ports/primary"
	"gitlab.com/vmfleet.net/internal/core/ports/secondary"
	"gitlab.com/vmfleet.net/internal/domain"
	"gitlab.com/vmfleet.net/internal/static/errs"
)

var _ secondary.WorkerRepository = &WorkerRepository{}

const workerColumns = `id, address, adv_cores, adv_memory_mb, adv_disk_gb, adv_gpus,
	com_cores, com_memory_mb, com_disk_gb, com_gpus, observed, capabilities, connectivity,
	status, overcommit, price_per_hour_cents, metrics, last_check_in, registered_at, updated_at`

type workerRow struct {
	ID                string    `db:"id"`
	Address           string    `db:"address"`
	AdvCores          int       `db:"adv_cores"`
	AdvMemoryMB       int64     `db:"adv_memory_mb"`
	AdvDiskGB         int64     `db:"adv_disk_gb"`
	AdvGPUs           int       `db:"adv_gpus"`
	ComCores          int       `db:"com_cores"`
	ComMemoryMB       int64     `db:"com_memory_mb"`
	ComDiskGB         int64     `db:"com_disk_gb"`
	ComGPUs           int       `db:"com_gpus"`
	Observed          []byte    `db:"observed"`
	Capabilities      []byte    `db:"capabilities"`
	Connectivity      string    `db:"connectivity"`
	Status            string    `db:"status"`
	Overcommit        []byte    `db:"overcommit"`
	PricePerHourCents int64     `db:"price_per_hour_cents"`
	Metrics           []byte    `db:"metrics"`
	LastCheckIn       time.Time `db:"last_check_in"`
	RegisteredAt      time.Time `db:"registered_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

func (r workerRow) toDomain() (*domain.Worker, error) {
	w := &domain.Worker{
		ID:                r.ID,
		Address:           r.Address,
		Advertised:        domain.Resources{Cores: r.AdvCores, MemoryMB: r.AdvMemoryMB, DiskGB: r.AdvDiskGB, GPUs: r.AdvGPUs},
		Committed:         domain.Resources{Cores: r.ComCores, MemoryMB: r.ComMemoryMB, DiskGB: r.ComDiskGB, GPUs: r.ComGPUs},
		Connectivity:      domain.Connectivity(r.Connectivity),
		Status:            domain.WorkerStatus(r.Status),
		PricePerHourCents: r.PricePerHourCents,
		LastCheckIn:       r.LastCheckIn,
		RegisteredAt:      r.RegisteredAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if len(r.Observed) > 0 {
		if err := json.Unmarshal(r.Observed, &w.Observed); err != nil {
			return nil, fmt.Errorf("failed to decode observed capacity: %w", err)
		}
	}
	if len(r.Capabilities) > 0 {
		if err := json.Unmarshal(r.Capabilities, &w.Capabilities); err != nil {
			return nil, fmt.Errorf("failed to decode capabilities: %w", err)
		}
	}
	if len(r.Overcommit) > 0 {
		if err := json.Unmarshal(r.Overcommit, &w.Overcommit); err != nil {
			return nil, fmt.Errorf("failed to decode overcommit: %w", err)
		}
	}
	if len(r.Metrics) > 0 {
		if err := json.Unmarshal(r.Metrics, &w.Metrics); err != nil {
			return nil, fmt.Errorf("failed to decode metrics: %w", err)
		}
	}
	return w, nil
}

// WorkerRepository implements secondary.WorkerRepository with PostgreSQL.
// Capacity changes are single conditional UPDATE statements so concurrent
// reserves on the same worker cannot overshoot.
type WorkerRepository struct {
	db     *sqlx.DB
	logger primary.Logger
}

func NewWorkerRepository(db *sqlx.DB, logger primary.Logger) *WorkerRepository {
	return &WorkerRepository{
		db:     db,
		logger: logger,
	}
}

func (r *WorkerRepository) SaveWorker(ctx context.Context, worker *domain.Worker) error {
	capabilities, err := json.Marshal(worker.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	if worker.Capabilities == nil {
		capabilities = []byte("[]")
	}
	metrics, err := json.Marshal(worker.Metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	observed, err := nullableJSON(worker.Observed)
	if err != nil {
		return err
	}
	var overcommit interface{}
	if len(worker.Overcommit) > 0 {
		b, err := json.Marshal(worker.Overcommit)
		if err != nil {
			return fmt.Errorf("failed to marshal overcommit: %w", err)
		}
		overcommit = b
	}

	query := `
		INSERT INTO workers (
			id, address, adv_cores, adv_memory_mb, adv_disk_gb, adv_gpus,
			observed, capabilities, connectivity, status, overcommit,
			price_per_hour_cents, metrics, last_check_in, registered_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			address = EXCLUDED.address,
			adv_cores = EXCLUDED.adv_cores,
			adv_memory_mb = EXCLUDED.adv_memory_mb,
			adv_disk_gb = EXCLUDED.adv_disk_gb,
			adv_gpus = EXCLUDED.adv_gpus,
			observed = EXCLUDED.observed,
			capabilities = EXCLUDED.capabilities,
			connectivity = EXCLUDED.connectivity,
			status = EXCLUDED.status,
			overcommit = EXCLUDED.overcommit,
			price_per_hour_cents = EXCLUDED.price_per_hour_cents,
			metrics = EXCLUDED.metrics,
			last_check_in = EXCLUDED.last_check_in,
			updated_at = EXCLUDED.updated_at
	`
	adv := worker.Advertised
	_, err = r.db.ExecContext(ctx, query,
		worker.ID, worker.Address, adv.Cores, adv.MemoryMB, adv.DiskGB, adv.GPUs,
		observed, capabilities, string(worker.Connectivity), string(worker.Status), overcommit,
		worker.PricePerHourCents, metrics, worker.LastCheckIn, worker.RegisteredAt, worker.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to save worker", "workerId", worker.ID, "error", err)
		return fmt.Errorf("failed to save worker: %w", err)
	}
	return nil
}

func (r *WorkerRepository) GetWorker(ctx context.Context, workerID string) (*domain.Worker, error) {
	var row workerRow
	err := r.db.GetContext(ctx, &row, `SELECT `+workerColumns+` FROM workers WHERE id = $1`, workerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get worker", "workerId", workerID, "error", err)
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	return row.toDomain()
}

func (r *WorkerRepository) GetAllWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return r.selectWorkers(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY id`)
}

func (r *WorkerRepository) GetStaleWorkers(ctx context.Context, cutoff time.Time) ([]*domain.Worker, error) {
	return r.selectWorkers(ctx, `SELECT `+workerColumns+` FROM workers WHERE status = $1 AND last_check_in < $2 ORDER BY id`,
		string(domain.WorkerOnline), cutoff)
}

func (r *WorkerRepository) selectWorkers(ctx context.Context, query string, args ...interface{}) ([]*domain.Worker, error) {
	var rows []workerRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.Error("Failed to list workers", "error", err)
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	workers := make([]*domain.Worker, 0, len(rows))
	for _, row := range rows {
		w, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (r *WorkerRepository) UpdateWorkerHeartbeat(ctx context.Context, workerID string, metrics domain.WorkerMetrics, observed *domain.Resources, at time.Time) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	observedJSON, err := nullableJSON(observed)
	if err != nil {
		return err
	}
	query := `
		UPDATE workers
		SET metrics = $2, observed = COALESCE($3, observed), last_check_in = $4, updated_at = $4
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, workerID, metricsJSON, observedJSON, at)
	if err != nil {
		r.logger.Error("Failed to update worker heartbeat", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to update worker heartbeat: %w", err)
	}
	return expectRow(res, workerID)
}

func (r *WorkerRepository) SetWorkerStatus(ctx context.Context, workerID string, status domain.WorkerStatus) error {
	res, err := r.db.ExecContext(ctx, `UPDATE workers SET status = $2 WHERE id = $1`, workerID, string(status))
	if err != nil {
		r.logger.Error("Failed to set worker status", "workerId", workerID, "status", status, "error", err)
		return fmt.Errorf("failed to set worker status: %w", err)
	}
	return expectRow(res, workerID)
}

func (r *WorkerRepository) ReserveCapacity(ctx context.Context, workerID string, delta, limit domain.Resources) (bool, error) {
	query := `
		UPDATE workers SET
			com_cores = com_cores + $2,
			com_memory_mb = com_memory_mb + $3,
			com_disk_gb = com_disk_gb + $4,
			com_gpus = com_gpus + $5
		WHERE id = $1
			AND com_cores + $2 <= $6
			AND com_memory_mb + $3 <= $7
			AND com_disk_gb + $4 <= $8
			AND com_gpus + $5 <= $9
	`
	res, err := r.db.ExecContext(ctx, query, workerID,
		delta.Cores, delta.MemoryMB, delta.DiskGB, delta.GPUs,
		limit.Cores, limit.MemoryMB, limit.DiskGB, limit.GPUs,
	)
	if err != nil {
		r.logger.Error("Failed to reserve capacity", "workerId", workerID, "error", err)
		return false, fmt.Errorf("failed to reserve capacity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	// Nothing matched: either the worker is gone or the limit refused it.
	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM workers WHERE id = $1)`, workerID); err != nil {
		return false, fmt.Errorf("failed to check worker: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	return false, nil
}

func (r *WorkerRepository) ReleaseCapacity(ctx context.Context, workerID string, amount domain.Resources) error {
	query := `
		UPDATE workers SET
			com_cores = GREATEST(com_cores - $2, 0),
			com_memory_mb = GREATEST(com_memory_mb - $3, 0),
			com_disk_gb = GREATEST(com_disk_gb - $4, 0),
			com_gpus = GREATEST(com_gpus - $5, 0)
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, workerID, amount.Cores, amount.MemoryMB, amount.DiskGB, amount.GPUs)
	if err != nil {
		r.logger.Error("Failed to release capacity", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to release capacity: %w", err)
	}
	return expectRow(res, workerID)
}

func (r *WorkerRepository) SetCommittedCapacity(ctx context.Context, workerID string, committed domain.Resources) error {
	query := `UPDATE workers SET com_cores = $2, com_memory_mb = $3, com_disk_gb = $4, com_gpus = $5 WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, workerID, committed.Cores, committed.MemoryMB, committed.DiskGB, committed.GPUs)
	if err != nil {
		r.logger.Error("Failed to set committed capacity", "workerId", workerID, "error", err)
		return fmt.Errorf("failed to set committed capacity: %w", err)
	}
	return expectRow(res, workerID)
}

func expectRow(res sql.Result, workerID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("worker %s: %w", workerID, errs.ErrNotFound)
	}
	return nil
}

// nullableJSON returns an untyped nil for a nil vector so the driver binds
// SQL NULL.
func nullableJSON(v *domain.Resources) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal observed capacity: %w", err)
	}
	return b, nil
}
