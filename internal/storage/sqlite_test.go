package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestNullInt64(t *testing.T) {
	tests := []struct {
		name      string
		input     int64
		wantValid bool
	}{
		{name: "zero returns invalid", input: 0, wantValid: false},
		{name: "pid returns valid", input: 4242, wantValid: true},
		{name: "negative value returns valid", input: -1, wantValid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := nullInt64(tt.input)
			if got.Valid != tt.wantValid {
				t.Errorf("nullInt64(%d).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			}
			if got.Valid && got.Int64 != tt.input {
				t.Errorf("nullInt64(%d).Int64 = %d", tt.input, got.Int64)
			}
		})
	}
}

func TestNullString(t *testing.T) {
	if nullString("").Valid {
		t.Error("empty string should be invalid")
	}
	if got := nullString("SIGKILL"); !got.Valid || got.String != "SIGKILL" {
		t.Errorf("nullString(SIGKILL) = %+v", got)
	}
}

func TestIsValidIdentifier(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"nodes", true},
		{"exit_signal", true},
		{"", false},
		{"nodes; DROP TABLE fleets", false},
		{"a'b", false},
	}
	for _, tt := range tests {
		if got := isValidIdentifier(tt.in); got != tt.want {
			t.Errorf("isValidIdentifier(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

// createTestStorage creates a new SQLite storage with a temporary database.
func createTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()

	storage, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { storage.Close() })
	return storage
}

func testFleet() *FleetRecord {
	return &FleetRecord{
		ID:      "testchain",
		State:   "running",
		BaseDir: "/tmp/testchain",
		Nodes: []NodeRecord{
			{Name: "user0", Role: "user", Ordinal: 0, Host: "127.0.0.1", RPCPort: 8671, P2PPort: 30321, WSPort: 8771,
				Profile: "honest", PID: 201, PGID: 201, Status: "running", DataDir: "/tmp/testchain/user0"},
			{Name: "sealer1", Role: "sealer", Ordinal: 1, Host: "127.0.0.1", RPCPort: 8651, P2PPort: 30301, WSPort: 8751,
				Profile: "honest", PID: 102, PGID: 102, Status: "running", DataDir: "/tmp/testchain/sealer1"},
			{Name: "sealer0", Role: "sealer", Ordinal: 0, Host: "127.0.0.1", RPCPort: 8650, P2PPort: 30300, WSPort: 8750,
				Profile: "sleep3s", PID: 101, PGID: 101, Status: "running", DataDir: "/tmp/testchain/sealer0"},
		},
	}
}

func TestNewSQLiteStorage_InvalidPath(t *testing.T) {
	_, err := NewSQLiteStorage("/nonexistent/directory/that/should/not/exist/registry.db")
	if err == nil {
		t.Error("expected error for invalid path")
	}
}

func TestSaveAndGetFleet(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	if err := storage.SaveFleet(ctx, testFleet()); err != nil {
		t.Fatalf("SaveFleet failed: %v", err)
	}

	got, err := storage.GetFleet(ctx, "testchain")
	if err != nil {
		t.Fatalf("GetFleet failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected fleet, got nil")
	}
	if got.State != "running" {
		t.Errorf("State = %q, want running", got.State)
	}
	if len(got.Nodes) != 3 {
		t.Fatalf("len(Nodes) = %d, want 3", len(got.Nodes))
	}

	// Sealers first, by ordinal, then users.
	wantOrder := []string{"sealer0", "sealer1", "user0"}
	for i, n := range got.Nodes {
		if n.Name != wantOrder[i] {
			t.Errorf("Nodes[%d].Name = %q, want %q", i, n.Name, wantOrder[i])
		}
	}
	if got.Nodes[0].PID != 101 || got.Nodes[0].Profile != "sleep3s" {
		t.Errorf("sealer0 = %+v", got.Nodes[0])
	}
}

func TestSaveFleet_ReplacesNodes(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	fleet := testFleet()
	if err := storage.SaveFleet(ctx, fleet); err != nil {
		t.Fatalf("SaveFleet failed: %v", err)
	}

	fleet.State = "stopped"
	fleet.Nodes = fleet.Nodes[1:]
	for i := range fleet.Nodes {
		fleet.Nodes[i].PID = 0
		fleet.Nodes[i].Status = "killed"
		fleet.Nodes[i].ExitSignal = "SIGKILL"
	}
	fleet.UpdatedAt = time.Time{}
	if err := storage.SaveFleet(ctx, fleet); err != nil {
		t.Fatalf("SaveFleet failed: %v", err)
	}

	got, err := storage.GetFleet(ctx, "testchain")
	if err != nil {
		t.Fatalf("GetFleet failed: %v", err)
	}
	if got.State != "stopped" {
		t.Errorf("State = %q, want stopped", got.State)
	}
	if len(got.Nodes) != 2 {
		t.Fatalf("len(Nodes) = %d, want 2", len(got.Nodes))
	}
	for _, n := range got.Nodes {
		if n.PID != 0 {
			t.Errorf("%s PID = %d, want 0", n.Name, n.PID)
		}
		if n.ExitSignal != "SIGKILL" {
			t.Errorf("%s ExitSignal = %q, want SIGKILL", n.Name, n.ExitSignal)
		}
	}
}

func TestGetFleet_NotFound(t *testing.T) {
	storage := createTestStorage(t)

	got, err := storage.GetFleet(context.Background(), "nonexistent")
	if err != nil {
		t.Fatalf("GetFleet failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for unknown fleet, got %+v", got)
	}
}

func TestListFleetsAndUpdateState(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	a := testFleet()
	b := testFleet()
	b.ID = "another"
	for _, f := range []*FleetRecord{a, b} {
		if err := storage.SaveFleet(ctx, f); err != nil {
			t.Fatalf("SaveFleet failed: %v", err)
		}
	}

	if err := storage.UpdateFleetState(ctx, "another", "cleaned"); err != nil {
		t.Fatalf("UpdateFleetState failed: %v", err)
	}
	if err := storage.UpdateFleetState(ctx, "missing", "cleaned"); err == nil {
		t.Error("expected error for unknown fleet")
	}

	fleets, err := storage.ListFleets(ctx)
	if err != nil {
		t.Fatalf("ListFleets failed: %v", err)
	}
	if len(fleets) != 2 {
		t.Fatalf("len(fleets) = %d, want 2", len(fleets))
	}
	if fleets[0].ID != "another" || fleets[0].State != "cleaned" {
		t.Errorf("fleets[0] = %s/%s, want another/cleaned", fleets[0].ID, fleets[0].State)
	}
	if len(fleets[1].Nodes) != 3 {
		t.Errorf("len(fleets[1].Nodes) = %d, want 3", len(fleets[1].Nodes))
	}
}

func TestInjectionRunLifecycle(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := &InjectionRun{
		ID:         "inj-1",
		FleetID:    "testchain",
		StartedAt:  time.Now().UTC(),
		Endpoints:  5,
		CountPerEP: 1000,
		IntervalMs: 10,
		Status:     "running",
	}
	if err := storage.CreateInjectionRun(ctx, run); err != nil {
		t.Fatalf("CreateInjectionRun failed: %v", err)
	}

	run.TxSent, run.TxOK, run.TxFailed = 5000, 4990, 10
	run.Status = "completed"
	if err := storage.CompleteInjectionRun(ctx, "inj-1", run); err != nil {
		t.Fatalf("CompleteInjectionRun failed: %v", err)
	}

	got, err := storage.GetInjectionRun(ctx, "inj-1")
	if err != nil {
		t.Fatalf("GetInjectionRun failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected run, got nil")
	}
	if got.TxOK != 4990 || got.TxFailed != 10 || got.Status != "completed" {
		t.Errorf("run = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	if err := storage.CompleteInjectionRun(ctx, "missing", run); err == nil {
		t.Error("expected error for unknown run")
	}
}

func TestBulkInsertAndGetTxLogs(t *testing.T) {
	storage := createTestStorage(t)
	ctx := context.Background()

	run := &InjectionRun{ID: "inj-logs", FleetID: "testchain", StartedAt: time.Now().UTC(), Endpoints: 2, CountPerEP: 2, Status: "running"}
	if err := storage.CreateInjectionRun(ctx, run); err != nil {
		t.Fatalf("CreateInjectionRun failed: %v", err)
	}

	logs := []TxLogEntry{
		{Endpoint: "http://127.0.0.1:8671", Seq: 0, TxHash: "0xabc1", SentAtMs: 1000, LatencyMs: 4, Outcome: "ok"},
		{Endpoint: "http://127.0.0.1:8672", Seq: 0, TxHash: "0xabc2", SentAtMs: 1000, LatencyMs: 6, Outcome: "ok"},
		{Endpoint: "http://127.0.0.1:8671", Seq: 1, SentAtMs: 1010, LatencyMs: 3, Outcome: "nonce_conflict", ErrorReason: "nonce too low"},
		{Endpoint: "http://127.0.0.1:8672", Seq: 1, SentAtMs: 1010, LatencyMs: 2000, Outcome: "unreachable", ErrorReason: "connection refused"},
	}
	if err := storage.BulkInsertTxLogs(ctx, "inj-logs", logs); err != nil {
		t.Fatalf("BulkInsertTxLogs failed: %v", err)
	}

	result, err := storage.GetTxLogs(ctx, "inj-logs", 3, 0)
	if err != nil {
		t.Fatalf("GetTxLogs failed: %v", err)
	}
	if result.Total != 4 {
		t.Errorf("Total = %d, want 4", result.Total)
	}
	if len(result.Transactions) != 3 {
		t.Fatalf("len(Transactions) = %d, want 3", len(result.Transactions))
	}
	if result.Transactions[2].ErrorReason != "nonce too low" {
		t.Errorf("Transactions[2].ErrorReason = %q, want 'nonce too low'", result.Transactions[2].ErrorReason)
	}
	if result.Transactions[2].TxHash != "" {
		t.Errorf("Transactions[2].TxHash = %q, want empty", result.Transactions[2].TxHash)
	}

	if err := storage.BulkInsertTxLogs(ctx, "inj-logs", nil); err != nil {
		t.Errorf("expected no error for empty logs, got: %v", err)
	}
}

func TestColumnExists(t *testing.T) {
	storage := createTestStorage(t)

	if !storage.columnExists("nodes", "exit_signal") {
		t.Error("expected migrated 'exit_signal' column to exist in nodes")
	}
	if storage.columnExists("nodes", "nonexistent_column") {
		t.Error("expected 'nonexistent_column' to not exist")
	}
	if storage.columnExists("nonexistent_table", "id") {
		t.Error("expected query to return false for nonexistent table")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.db")
	for i := 0; i < 2; i++ {
		s, err := NewSQLiteStorage(path)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		s.Close()
	}
}
