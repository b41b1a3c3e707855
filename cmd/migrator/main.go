package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"

	"gravitas/pkg/config"
	"gravitas/pkg/logging"
	"gravitas/pkg/store"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = func(format string, args ...any) { logging.New("migrator").Fatalf(format, args...) }
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
	stdout io.Writer = os.Stdout
)

type options struct {
	Dir     string
	Status  bool
	Timeout time.Duration
}

func parseFlags(args []string) (options, error) {
	fs := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var opts options
	fs.StringVar(&opts.Dir, "dir", config.Env("MIGRATIONS_DIR", "migrations"), "directory holding NNN_name.sql files")
	fs.BoolVar(&opts.Status, "status", false, "print applied and pending migrations without applying")
	fs.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "overall deadline")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.Timeout <= 0 {
		return opts, errors.New("--timeout must be positive")
	}
	return opts, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	m := &migrator{db: pool, dir: opts.Dir, log: logging.New("migrator")}
	if opts.Status {
		return m.status(ctx, stdout)
	}
	if _, err := m.apply(ctx); err != nil {
		return fmt.Errorf("migration: %w", err)
	}
	return nil
}

type migrator struct {
	db       migrationDB
	dir      string
	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	log      logrus.FieldLogger
}

// migrationFile is one script and its state in schema_migrations.
type migrationFile struct {
	Name     string
	Path     string
	Checksum string
	SQL      []byte
	Applied  bool
	// Changed is set when an applied script no longer matches the recorded
	// checksum.
	Changed bool
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

func checksum(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (m *migrator) defaults() error {
	if m.db == nil {
		return errors.New("db required")
	}
	if m.readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		m.readFile = os.ReadFile
	}
	if m.glob == nil {
		m.glob = filepath.Glob
	}
	m.log = logging.OrDiscard(m.log)
	return nil
}

// plan lists every script in lexical order with its applied state.
func (m *migrator) plan(ctx context.Context) ([]migrationFile, error) {
	if err := m.defaults(); err != nil {
		return nil, err
	}
	if _, err := m.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(m.dir)
	paths, err := m.glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(paths)

	files := make([]migrationFile, 0, len(paths))
	for _, p := range paths {
		clean, err := validateMigrationPath(dir, p)
		if err != nil {
			return nil, fmt.Errorf("invalid migration path: %s", p)
		}
		data, err := m.readFile(clean)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", clean, err)
		}
		f := migrationFile{Name: filepath.Base(clean), Path: clean, SQL: data, Checksum: checksum(data)}

		var recorded string
		err = m.db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, f.Name).Scan(&recorded)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return nil, fmt.Errorf("migration lookup: %w", err)
		default:
			f.Applied = true
			f.Changed = recorded != "" && recorded != f.Checksum
		}
		files = append(files, f)
	}
	return files, nil
}

// apply runs each pending script in its own transaction and returns the
// names it applied.
func (m *migrator) apply(ctx context.Context) ([]string, error) {
	files, err := m.plan(ctx)
	if err != nil {
		return nil, err
	}
	var applied []string
	for _, f := range files {
		if f.Applied {
			if f.Changed {
				m.log.WithField("file", f.Name).Warn("applied migration changed on disk since it ran")
			}
			continue
		}
		if err := m.applyOne(ctx, f); err != nil {
			return applied, err
		}
		applied = append(applied, f.Name)
		m.log.WithField("file", f.Name).Info("applied migration")
	}
	m.log.WithFields(logrus.Fields{"applied": len(applied), "total": len(files)}).Info("migrations complete")
	return applied, nil
}

func (m *migrator) applyOne(ctx context.Context, f migrationFile) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(f.SQL)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", f.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, f.Name, f.Checksum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", f.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", f.Name, err)
	}
	return nil
}

func (m *migrator) status(ctx context.Context, w io.Writer) error {
	files, err := m.plan(ctx)
	if err != nil {
		return err
	}
	for _, f := range files {
		state := "pending"
		switch {
		case f.Changed:
			state = "changed"
		case f.Applied:
			state = "applied"
		}
		if _, err := fmt.Fprintf(w, "%-8s %s\n", state, f.Name); err != nil {
			return err
		}
	}
	return nil
}
