// Package sqlite is a datastore driver backed by SQLite files. Each dataset
// is a database file attached under the dataset's name.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/petal-labs/petalquery/datastore"

	_ "modernc.org/sqlite"
)

// Dataset names one database file.
type Dataset struct {
	Name string
	Path string
}

// Config configures the SQLite store.
type Config struct {
	// Datasets are attached in order; that order is the enumeration order.
	Datasets []Dataset
	// Writable disables the query_only guard. Only tests and fixtures need it.
	Writable bool
}

// Store implements datastore.Store on one dedicated SQLite connection so the
// attached databases stay visible to every statement.
type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	conn  *sql.Conn
	names map[string]struct{}
}

var _ datastore.Store = (*Store)(nil)

// Open attaches every dataset and returns the store.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Datasets) == 0 {
		return nil, errors.New("sqlite: at least one dataset is required")
	}

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: acquire connection: %w", err)
	}

	s := &Store{db: db, conn: conn, names: make(map[string]struct{}, len(cfg.Datasets))}
	for _, ds := range cfg.Datasets {
		if err := datastore.CheckIdentifier(ds.Name); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sqlite: dataset: %w", err)
		}
		if _, dup := s.names[ds.Name]; dup {
			_ = s.Close()
			return nil, fmt.Errorf("sqlite: dataset %s configured twice", ds.Name)
		}
		if _, err := conn.ExecContext(ctx, "ATTACH DATABASE ? AS "+quoteIdent(ds.Name), ds.Path); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sqlite: attach %s: %w", ds.Name, err)
		}
		s.names[ds.Name] = struct{}{}
	}

	if !cfg.Writable {
		if _, err := conn.ExecContext(ctx, "PRAGMA query_only = ON"); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("sqlite: set query_only: %w", err)
		}
	}
	return s, nil
}

// ListDatasets returns attached dataset names in attach order.
func (s *Store) ListDatasets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx, "PRAGMA database_list")
	if err != nil {
		return nil, fmt.Errorf("sqlite: list datasets: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var (
			seq        int
			name, file string
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return nil, fmt.Errorf("sqlite: scan dataset: %w", err)
		}
		if _, ok := s.names[name]; ok {
			names = append(names, name)
		}
	}
	return names, rows.Err()
}

// ListTables returns the tables of dataset ordered by name.
func (s *Store) ListTables(ctx context.Context, dataset string) ([]string, error) {
	if err := s.checkDataset(dataset); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := "SELECT name FROM " + quoteIdent(dataset) + ".sqlite_master " +
		"WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name"
	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("sqlite: scan table: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// DescribeTable returns the CREATE statement of table as the ddl column.
func (s *Store) DescribeTable(ctx context.Context, dataset, table string) ([]datastore.Row, error) {
	if err := s.checkDataset(dataset); err != nil {
		return nil, err
	}
	query := "SELECT sql AS ddl FROM " + quoteIdent(dataset) + ".sqlite_master " +
		"WHERE type IN ('table', 'view') AND name = @table_name"
	return s.Query(ctx, query, datastore.Param{Name: "table_name", Value: table})
}

// Query runs sql with named parameters bound as @name.
func (s *Store) Query(ctx context.Context, query string, params ...datastore.Param) ([]datastore.Row, error) {
	args := make([]any, 0, len(params))
	for _, p := range params {
		args = append(args, sql.Named(p.Name, p.Value))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sqlite: columns: %w", err)
	}
	out := []datastore.Row{}
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sqlite: scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok && utf8.Valid(b) {
				values[i] = string(b)
			}
		}
		out = append(out, datastore.NewRow(columns, values))
	}
	return out, rows.Err()
}

// Close releases the connection and the database handle.
func (s *Store) Close() error {
	var errs []error
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
	}
	errs = append(errs, s.db.Close())
	return errors.Join(errs...)
}

func (s *Store) checkDataset(name string) error {
	if _, ok := s.names[name]; !ok {
		return fmt.Errorf("%w: %s", datastore.ErrDatasetNotFound, name)
	}
	return nil
}

// ParseDatasets parses "name=path,name=path" into datasets.
func ParseDatasets(list string) ([]Dataset, error) {
	var out []Dataset
	for _, item := range strings.Split(list, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, path, ok := strings.Cut(item, "=")
		name, path = strings.TrimSpace(name), strings.TrimSpace(path)
		if !ok || name == "" || path == "" {
			return nil, fmt.Errorf("sqlite: dataset %q must be name=path", item)
		}
		out = append(out, Dataset{Name: name, Path: path})
	}
	return out, nil
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
