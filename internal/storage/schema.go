package storage

const sqliteSchema = `
-- Destination decks. parent_id is '' for top-level decks.
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    study_mode TEXT NOT NULL DEFAULT 'classic',
    created_at DATETIME NOT NULL,
    UNIQUE (owner_id, name, parent_id)
);

-- Imported cards. Rows are written once by the importer.
CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    deck_id TEXT NOT NULL REFERENCES decks(id),
    front TEXT NOT NULL,
    back TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    state TEXT NOT NULL,
    due_at DATETIME NOT NULL,
    interval_days INTEGER NOT NULL DEFAULT 0,
    ease REAL NOT NULL DEFAULT 2.5,
    reps INTEGER NOT NULL DEFAULT 0,
    lapses INTEGER NOT NULL DEFAULT 0,
    suspended INTEGER NOT NULL DEFAULT 0,
    source_card_id INTEGER,
    import_id TEXT,
    created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_owner_due ON cards(owner_id, due_at);
CREATE INDEX IF NOT EXISTS idx_cards_import ON cards(import_id);

-- One progress record per import invocation.
CREATE TABLE IF NOT EXISTS imports (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    status TEXT NOT NULL,
    total_cards INTEGER NOT NULL DEFAULT 0,
    imported_cards INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    finished_at DATETIME
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS decks (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    study_mode TEXT NOT NULL DEFAULT 'classic',
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (owner_id, name, parent_id)
);

CREATE TABLE IF NOT EXISTS cards (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    deck_id TEXT NOT NULL REFERENCES decks(id),
    front TEXT NOT NULL,
    back TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    state TEXT NOT NULL,
    due_at TIMESTAMPTZ NOT NULL,
    interval_days INTEGER NOT NULL DEFAULT 0,
    ease DOUBLE PRECISION NOT NULL DEFAULT 2.5,
    reps INTEGER NOT NULL DEFAULT 0,
    lapses INTEGER NOT NULL DEFAULT 0,
    suspended BOOLEAN NOT NULL DEFAULT FALSE,
    source_card_id BIGINT,
    import_id TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cards_owner_due ON cards(owner_id, due_at);
CREATE INDEX IF NOT EXISTS idx_cards_import ON cards(import_id);

CREATE TABLE IF NOT EXISTS imports (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    status TEXT NOT NULL,
    total_cards INTEGER NOT NULL DEFAULT 0,
    imported_cards INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);
`
