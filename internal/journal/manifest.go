package journal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DataFile describes one uploaded parquet object.
type DataFile struct {
	Path        string `json:"path"`
	FileSize    int64  `json:"file_size_in_bytes"`
	RecordCount int64  `json:"record_count"`
	Date        string `json:"date"`
}

type Snapshot struct {
	SnapshotID  int64    `json:"snapshot-id"`
	TimestampMs int64    `json:"timestamp-ms"`
	DataFile    DataFile `json:"data-file"`
}

// TableMetadata is the Iceberg-style table document kept at
// kind=<kind>/metadata/metadata.json.
type TableMetadata struct {
	FormatVersion     int        `json:"format-version"`
	TableUUID         string     `json:"table-uuid"`
	Location          string     `json:"location"`
	CurrentSnapshotID int64      `json:"current-snapshot-id"`
	Snapshots         []Snapshot `json:"snapshots"`
}

// manifest accumulates snapshots for one journal kind. Only the newest
// maxSnapshots are kept.
type manifest struct {
	mu        sync.Mutex
	location  string
	tableUUID string
	snapshots []Snapshot
}

const maxSnapshots = 1000

func newManifest(location string) *manifest {
	return &manifest{location: location, tableUUID: uuid.NewString()}
}

// add records df and returns the encoded table metadata.
func (m *manifest) add(df DataFile, at time.Time) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := at.UnixNano()
	if n := len(m.snapshots); n > 0 && id <= m.snapshots[n-1].SnapshotID {
		id = m.snapshots[n-1].SnapshotID + 1
	}
	m.snapshots = append(m.snapshots, Snapshot{SnapshotID: id, TimestampMs: at.UnixMilli(), DataFile: df})
	if len(m.snapshots) > maxSnapshots {
		m.snapshots = append([]Snapshot(nil), m.snapshots[len(m.snapshots)-maxSnapshots:]...)
	}

	return json.MarshalIndent(TableMetadata{
		FormatVersion:     2,
		TableUUID:         m.tableUUID,
		Location:          m.location,
		CurrentSnapshotID: id,
		Snapshots:         m.snapshots,
	}, "", "  ")
}
