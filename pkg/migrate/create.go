package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/pressly/goose/v3"
)

var nameSanitizeRe = regexp.MustCompile(`[^a-z0-9_]+`)

// sqlMigrationTemplate keeps new migrations portable across the postgres and
// sqlite catalogs.
var sqlMigrationTemplate = template.Must(template.New("mediastore.sql-migration").Parse(`-- +goose Up
-- Statements must run on both postgres and sqlite.
-- +goose StatementBegin
SELECT 1;
-- +goose StatementEnd

-- +goose Down
-- +goose StatementBegin
SELECT 1;
-- +goose StatementEnd
`))

// CreateSQLMigration writes a timestamped goose SQL migration into dir and
// returns its path. Names are normalized to snake case and must be unique
// within dir.
func CreateSQLMigration(dir string, name string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("dir is required")
	}
	safe := migrationName(name)
	if safe == "" {
		return "", fmt.Errorf("name %q results in empty sanitized filename", name)
	}

	existing, err := filepath.Glob(filepath.Join(dir, "*_"+safe+".sql"))
	if err != nil {
		return "", fmt.Errorf("scan %q: %w", dir, err)
	}
	if len(existing) > 0 {
		return "", fmt.Errorf("migration %q already exists: %s", safe, existing[0])
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if err := goose.CreateWithTemplate(nil, dir, sqlMigrationTemplate, safe, "sql"); err != nil {
		return "", fmt.Errorf("create migration %q: %w", safe, err)
	}

	created, err := filepath.Glob(filepath.Join(dir, "*_"+safe+".sql"))
	if err != nil || len(created) != 1 {
		return "", fmt.Errorf("locate created migration %q in %s", safe, dir)
	}
	return created[0], nil
}

func migrationName(name string) string {
	safe := strings.ToLower(strings.TrimSpace(name))
	safe = nameSanitizeRe.ReplaceAllString(safe, "_")
	return strings.Trim(safe, "_")
}
