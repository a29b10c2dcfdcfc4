package terminology

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb" // SQL Server driver
)

// OpenSQLServer opens a hospital terminology database hosted on SQL Server.
func OpenSQLServer(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open terminology database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping terminology database: %w", err)
	}
	return db, nil
}

// LoadSQL snapshots a terminology table. query must return
// (concept_id, hierarchy, term, preferred) rows; hierarchy labels are read
// with ParseHierarchy and rows outside the targeted hierarchies are skipped.
func LoadSQL(ctx context.Context, db *sql.DB, version, query string) (*MemoryStore, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query terminology: %w", err)
	}
	defer rows.Close()

	byCode := make(map[string]*Entry)
	var order []string

	for rows.Next() {
		var (
			code, label, term string
			preferred         bool
		)
		if err := rows.Scan(&code, &label, &term, &preferred); err != nil {
			return nil, fmt.Errorf("failed to scan terminology row: %w", err)
		}
		h, ok := ParseHierarchy(label)
		if !ok {
			continue
		}

		e, seen := byCode[code]
		if !seen {
			e = &Entry{Code: code, Hierarchy: h}
			byCode[code] = e
			order = append(order, code)
		}
		switch {
		case preferred && e.PreferredTerm != "":
			e.Synonyms = append(e.Synonyms, e.PreferredTerm)
			e.PreferredTerm = term
		case e.PreferredTerm == "":
			e.PreferredTerm = term
		default:
			e.Synonyms = append(e.Synonyms, term)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read terminology rows: %w", err)
	}

	entries := make([]Entry, 0, len(order))
	for _, code := range order {
		entries = append(entries, *byCode[code])
	}
	return NewMemoryStore(version, entries)
}
