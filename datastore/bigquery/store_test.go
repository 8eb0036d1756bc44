package bigquery

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	bq "cloud.google.com/go/bigquery"

	"github.com/petal-labs/petalquery/datastore"
)

func TestConfigValidate(t *testing.T) {
	creds := filepath.Join(t.TempDir(), "sa.json")
	if err := os.WriteFile(creds, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if err := (Config{ProjectID: "p", Location: "asia-northeast1", CredentialsFile: creds}).Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	err := Config{}.Validate()
	if err == nil || !strings.Contains(err.Error(), "project_id, location, credentials_file") {
		t.Fatalf("Validate() error = %v, want every missing field", err)
	}

	err = Config{ProjectID: "p", Location: "US", CredentialsFile: filepath.Join(t.TempDir(), "missing.json")}.Validate()
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Validate() error = %v, want os.ErrNotExist", err)
	}
}

func TestOpenFailsWithoutCredentials(t *testing.T) {
	_, err := Open(context.Background(), Config{ProjectID: "p", Location: "US", CredentialsFile: "/nonexistent/sa.json"})
	if err == nil {
		t.Fatalf("Open() error = nil, want error")
	}
}

func TestDescribeQueryUsesNamedParameter(t *testing.T) {
	got := describeQuery("sales")
	want := "SELECT ddl FROM `sales.INFORMATION_SCHEMA.TABLES` WHERE table_name = @table_name"
	if got != want {
		t.Fatalf("describeQuery() = %q, want %q", got, want)
	}
}

func TestIdentifiersAreCheckedBeforeInterpolation(t *testing.T) {
	store := &Store{}
	_, err := store.DescribeTable(context.Background(), "sales`; DROP", "orders")
	if !errors.Is(err, datastore.ErrInvalidIdentifier) {
		t.Fatalf("DescribeTable() error = %v, want ErrInvalidIdentifier", err)
	}
	if _, err := store.ListTables(context.Background(), ""); !errors.Is(err, datastore.ErrInvalidIdentifier) {
		t.Fatalf("ListTables() error = %v, want ErrInvalidIdentifier", err)
	}
}

func TestRowFromValuesKeepsSchemaOrder(t *testing.T) {
	schema := bq.Schema{{Name: "ddl"}, {Name: "table_name"}}
	row := rowFromValues(schema, []bq.Value{"CREATE TABLE t (x INT64)", "t"})
	if len(row) != 2 || row[0].Name != "ddl" || row[1].Value != "t" {
		t.Fatalf("row = %+v", row)
	}
}
