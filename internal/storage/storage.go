package storage

import "context"

// Storage defines the persistence interface for the fleet registry and
// injection history.
type Storage interface {
	// Fleet registry
	SaveFleet(ctx context.Context, fleet *FleetRecord) error
	GetFleet(ctx context.Context, id string) (*FleetRecord, error)
	ListFleets(ctx context.Context) ([]FleetRecord, error)
	UpdateFleetState(ctx context.Context, id, state string) error

	// Injection runs
	CreateInjectionRun(ctx context.Context, run *InjectionRun) error
	CompleteInjectionRun(ctx context.Context, id string, run *InjectionRun) error
	GetInjectionRun(ctx context.Context, id string) (*InjectionRun, error)

	// Transaction log bulk operations (called after an injection run completes)
	BulkInsertTxLogs(ctx context.Context, runID string, logs []TxLogEntry) error
	GetTxLogs(ctx context.Context, runID string, limit, offset int) (*PaginatedTxLogs, error)

	// Lifecycle
	Close() error
}
