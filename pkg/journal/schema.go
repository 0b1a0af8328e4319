package journal

// Schema defines the transition history kept next to the state document.
// Every stage change, rollback and failure is appended; rows are never
// updated.
const Schema = `
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    migration_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('advance', 'rollback', 'fail', 'reboot', 'archive')),
    from_stage TEXT NOT NULL,
    to_stage TEXT NOT NULL,
    phase TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transitions_migration_id ON transitions(migration_id);
CREATE INDEX IF NOT EXISTS idx_transitions_created_at ON transitions(created_at);
`

// FileName of the journal database inside the state directory.
const FileName = "journal.db"

// Kind constants
const (
	KindAdvance  = "advance"
	KindRollback = "rollback"
	KindFail     = "fail"
	KindReboot   = "reboot"
	KindArchive  = "archive"
)

// Transition is one recorded state change.
type Transition struct {
	ID          int64
	MigrationID string
	Kind        string
	FromStage   string
	ToStage     string
	Phase       string
	Attempt     int
	Detail      string
	CreatedAt   string
}
