package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/devorch/internal/domain"
)

const (
	historyDBName = "history.db"
	schemaVersion = "1"
)

// HistoryStore implements domain.HistoryStore using a SQLCipher encrypted
// SQLite database.
type HistoryStore struct {
	db     *sql.DB
	dbPath string
}

// NewHistoryStore opens (or creates) the encrypted history database in
// dataDir. The key is used as the raw SQLCipher key.
func NewHistoryStore(dataDir string, key []byte) (*HistoryStore, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, historyDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}
	// One writer at a time; sqlite would otherwise report SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	// A wrong key only surfaces on the first real query.
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	store := &HistoryStore{db: db, dbPath: dbPath}
	if err := store.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return store, nil
}

func (s *HistoryStore) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		script_id TEXT NOT NULL,
		device_id TEXT NOT NULL DEFAULT '',
		success INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_device ON executions (device_id, finished_at);

	CREATE TABLE IF NOT EXISTS device_state (
		device_id TEXT PRIMARY KEY,
		pid INTEGER NOT NULL,
		cores TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_heartbeat INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// RecordExecution appends a terminal script outcome.
func (s *HistoryStore) RecordExecution(rec domain.ExecutionRecord) error {
	finished := rec.FinishedAt
	if finished.IsZero() {
		finished = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO executions (script_id, device_id, success, duration_ms, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ScriptID, rec.DeviceID, boolToInt(rec.Success), rec.DurationMs, rec.Error, finished.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record execution of %s: %w", rec.ScriptID, err)
	}
	return nil
}

// RecentExecutions returns up to limit records, newest first. An empty
// deviceID matches every device.
func (s *HistoryStore) RecentExecutions(deviceID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT script_id, device_id, success, duration_ms, error, finished_at FROM executions`
	args := []any{}
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY finished_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		var rec domain.ExecutionRecord
		var success int
		var finished int64
		if err := rows.Scan(&rec.ScriptID, &rec.DeviceID, &success, &rec.DurationMs, &rec.Error, &finished); err != nil {
			return nil, err
		}
		rec.Success = success != 0
		rec.FinishedAt = time.UnixMilli(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveDeviceState upserts the state of one device process.
func (s *HistoryStore) SaveDeviceState(state domain.DeviceState) error {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO device_state (device_id, pid, cores, status, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)`,
		state.DeviceID, state.PID, joinCores(state.Cores), string(state.Status), state.LastHeartbeat,
	)
	if err != nil {
		return fmt.Errorf("save device state of %s: %w", state.DeviceID, err)
	}
	return nil
}

// DeviceStates returns every recorded device process ordered by device id.
func (s *HistoryStore) DeviceStates() ([]domain.DeviceState, error) {
	rows, err := s.db.Query(`SELECT device_id, pid, cores, status, last_heartbeat FROM device_state ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.DeviceState
	for rows.Next() {
		var st domain.DeviceState
		var cores, status string
		if err := rows.Scan(&st.DeviceID, &st.PID, &cores, &status, &st.LastHeartbeat); err != nil {
			return nil, err
		}
		st.Status = domain.DeviceStatus(status)
		if st.Cores, err = splitCores(cores); err != nil {
			return nil, fmt.Errorf("device %s: %w", st.DeviceID, err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// RemoveDeviceState forgets a device process. Removing an unknown device is
// not an error.
func (s *HistoryStore) RemoveDeviceState(deviceID string) error {
	_, err := s.db.Exec(`DELETE FROM device_state WHERE device_id = ?`, deviceID)
	return err
}

// ClearDeviceStates forgets every device process.
func (s *HistoryStore) ClearDeviceStates() error {
	_, err := s.db.Exec(`DELETE FROM device_state`)
	return err
}

// Path returns the database file path.
func (s *HistoryStore) Path() string {
	return s.dbPath
}

// Close releases the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func joinCores(cores []int) string {
	parts := make([]string, len(cores))
	for i, c := range cores {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

func splitCores(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid core list %q: %w", s, err)
		}
		out[i] = n
	}
	return out, nil
}

// Ensure HistoryStore implements domain.HistoryStore.
var _ domain.HistoryStore = (*HistoryStore)(nil)
