package tool

import (
	"context"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/petal-labs/petalquery/datastore"
)

// Names of the data tools served by the worker.
const (
	ListTablesTool    = "list-tables"
	DescribeTableTool = "describe-table"
	ExecuteQueryTool  = "execute-query"
)

// DataService is the set of data operations behind the data tools.
// *datastore.Service implements it.
type DataService interface {
	ListTables(ctx context.Context, filter []string) ([]string, error)
	DescribeTable(ctx context.Context, tableName string) ([]datastore.Row, error)
	ExecuteQuery(ctx context.Context, query string) ([]datastore.Row, error)
}

// DataToolDescriptors returns the descriptors of the data tools in catalog order.
func DataToolDescriptors() []Descriptor {
	return []Descriptor{
		{
			Name:        ExecuteQueryTool,
			Description: "Execute a SELECT query on the BigQuery database",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"query": {Type: "string", Description: "SELECT SQL query"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name:        ListTablesTool,
			Description: "List all tables in the BigQuery database",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"datasets_filter": {
						Type:        "array",
						Items:       &jsonschema.Schema{Type: "string"},
						Description: "Filter by these dataset names",
					},
				},
			},
		},
		{
			Name:        DescribeTableTool,
			Description: "Get the schema information for a specific table",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"table_name": {Type: "string", Description: "e.g. dataset.table"},
				},
				Required: []string{"table_name"},
			},
		},
	}
}

// RegisterDataTools registers list-tables, describe-table and execute-query
// backed by svc.
func RegisterDataTools(reg *Registry, svc DataService) error {
	handlers := map[string]HandlerFunc{
		ListTablesTool: func(ctx context.Context, args Arguments) (any, error) {
			filter, err := args.Strings("datasets_filter")
			if err != nil {
				return nil, err
			}
			return svc.ListTables(ctx, filter)
		},
		DescribeTableTool: func(ctx context.Context, args Arguments) (any, error) {
			name, err := args.String("table_name")
			if err != nil {
				return nil, err
			}
			return svc.DescribeTable(ctx, name)
		},
		ExecuteQueryTool: func(ctx context.Context, args Arguments) (any, error) {
			query, err := args.String("query")
			if err != nil {
				return nil, err
			}
			return svc.ExecuteQuery(ctx, query)
		},
	}
	for _, descriptor := range DataToolDescriptors() {
		if err := reg.Register(descriptor, handlers[descriptor.Name]); err != nil {
			return err
		}
	}
	return nil
}
