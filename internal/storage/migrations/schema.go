package migrations

// SQLite returns the manager holding the SQLite schema history
func SQLite() *Manager {
	m := NewManager()
	m.Register(Migration{
		Version:     1,
		Description: "pairs, reports and aggregate documents",
		Up: `
CREATE TABLE IF NOT EXISTS pairs (
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    category TEXT NOT NULL,
    solution_title TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (goal_id, variant_id)
);

CREATE INDEX IF NOT EXISTS idx_pairs_category ON pairs(category);

CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    fields TEXT NOT NULL,
    created_at DATETIME NOT NULL,
    FOREIGN KEY (goal_id, variant_id) REFERENCES pairs(goal_id, variant_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reports_pair ON reports(goal_id, variant_id, created_at);

CREATE TABLE IF NOT EXISTS aggregates (
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    document TEXT NOT NULL,
    updated_at DATETIME NOT NULL,
    PRIMARY KEY (goal_id, variant_id)
);
`,
		Down: `
DROP TABLE IF EXISTS aggregates;
DROP TABLE IF EXISTS reports;
DROP TABLE IF EXISTS pairs;
`,
	})
	return m
}

// Postgres returns the manager holding the PostgreSQL schema history
func Postgres() *Manager {
	m := NewManager()
	m.Register(Migration{
		Version:     1,
		Description: "pairs, reports and aggregate documents",
		Up: `
CREATE TABLE IF NOT EXISTS pairs (
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    category TEXT NOT NULL,
    solution_title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (goal_id, variant_id)
);

CREATE INDEX IF NOT EXISTS idx_pairs_category ON pairs(category);

CREATE TABLE IF NOT EXISTS reports (
    id TEXT PRIMARY KEY,
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    fields JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    FOREIGN KEY (goal_id, variant_id) REFERENCES pairs(goal_id, variant_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_reports_pair ON reports(goal_id, variant_id, created_at);

CREATE TABLE IF NOT EXISTS aggregates (
    goal_id TEXT NOT NULL,
    variant_id TEXT NOT NULL,
    document JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (goal_id, variant_id)
);
`,
		Down: `
DROP TABLE IF EXISTS aggregates;
DROP TABLE IF EXISTS reports;
DROP TABLE IF EXISTS pairs;
`,
	})
	return m
}
