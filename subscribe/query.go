package subscribe

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const DefaultQueryTimeout = 60 * time.Second

// one-shot statement execution over pgwire.
// independent of the subscription state machine; shares only config and results
func ExecuteQuery(ctx context.Context, config *Config, query *Query) (*Results, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Host == "" {
		// a websocket proxy cannot serve pgwire
		return nil, configurationErrorf("missing config fields: host")
	}
	if err := query.Validate(); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	conn, err := pgx.Connect(timeoutCtx, config.ConnString())
	if err != nil {
		return nil, connectionErrorf("connect %s: %s", config.Host, err)
	}
	defer conn.Close(context.Background())

	if query.Cluster != "" {
		if _, err := conn.Exec(timeoutCtx, "SET cluster = "+pgx.Identifier{query.Cluster}.Sanitize()); err != nil {
			return nil, protocolErrorf("set cluster: %s", err)
		}
	}

	rows, err := conn.Query(timeoutCtx, query.Sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return nil, protocolErrorf("%s", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, 0, len(fields))
	for _, field := range fields {
		columns = append(columns, field.Name)
	}

	results := &Results{
		Columns: columns,
		Rows:    []*Row{},
	}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, protocolErrorf("%s", err)
		}
		results.Rows = append(results.Rows, NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return nil, protocolErrorf("%s", err)
	}
	return results, nil
}
