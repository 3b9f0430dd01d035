// Package pgtransport uses PostgreSQL tables as packet queues. A Queue is
// both a transport.Receiver (claiming unclaimed rows with FOR UPDATE SKIP
// LOCKED, so several processes can share one table) and a transport.Sender
// (inserting rows). Rows hold the packet as a JSON envelope, see
// transport.Encode.
package pgtransport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/dcshock/runflow/flow"
	"github.com/dcshock/runflow/logging"
	"github.com/dcshock/runflow/transport"
)

// Querier is the subset of *pgxpool.Pool, *pgx.Conn and pgx.Tx used by Queue.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// DefaultBatch is the number of rows claimed per Receive.
const DefaultBatch = 20

// ErrInvalidTable is returned for table names that are not plain identifiers.
var ErrInvalidTable = errors.New("invalid table name")

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Queue is a table of packets.
type Queue struct {
	q       Querier
	table   string
	claimID string
	batch   int
	logger  logging.Logger
	invalid atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithBatch sets the number of rows claimed per Receive.
func WithBatch(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.batch = n
		}
	}
}

// WithClaimID records who claimed each row (e.g. os.Hostname(), or the pod
// name in k8s). Defaults to "runflow".
func WithClaimID(id string) Option {
	return func(q *Queue) {
		if id != "" {
			q.claimID = id
		}
	}
}

// WithLogger sets the logger used for rows that do not decode.
func WithLogger(l logging.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.logger = l
		}
	}
}

// NewQueue returns a queue over table, optionally schema qualified.
func NewQueue(q Querier, table string, opts ...Option) (*Queue, error) {
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	queue := &Queue{q: q, table: table, claimID: "runflow", batch: DefaultBatch, logger: logging.NoOpLogger{}}
	for _, opt := range opts {
		opt(queue)
	}
	return queue, nil
}

func (q *Queue) ident() string {
	return pgx.Identifier(splitTable(q.table)).Sanitize()
}

func splitTable(table string) []string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return []string{schema, name}
	}
	return []string{table}
}

// SchemaSQL returns the CREATE TABLE statement for the queue.
func (q *Queue) SchemaSQL() string {
	t := q.ident()
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %[1]s (
	id uuid PRIMARY KEY,
	envelope jsonb NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now(),
	claimed_by text,
	claimed_at timestamptz
);
CREATE INDEX IF NOT EXISTS %[2]s ON %[1]s (created_at) WHERE claimed_at IS NULL;`,
		t, pgx.Identifier{indexName(q.table)}.Sanitize())
}

func indexName(table string) string {
	parts := splitTable(table)
	return parts[len(parts)-1] + "_unclaimed_idx"
}

// EnsureSchema creates the queue table if it does not exist.
func (q *Queue) EnsureSchema(ctx context.Context) error {
	if _, err := q.q.Exec(ctx, q.SchemaSQL()); err != nil {
		return fmt.Errorf("pgtransport: create %s: %w", q.table, err)
	}
	return nil
}

// Receive claims up to the batch size of unclaimed rows, oldest first, and
// returns their packets. Claimed rows stay in the table for inspection; use
// Purge to remove them. A row whose envelope does not decode is logged,
// counted in Invalid and left claimed; the other rows are still returned.
func (q *Queue) Receive(ctx context.Context) ([]*flow.Packet, error) {
	t := q.ident()
	sql := fmt.Sprintf(`UPDATE %[1]s SET claimed_by = $1, claimed_at = now()
WHERE id IN (
	SELECT id FROM %[1]s WHERE claimed_at IS NULL
	ORDER BY created_at, id LIMIT $2
	FOR UPDATE SKIP LOCKED
)
RETURNING id, envelope, created_at`, t)
	rows, err := q.q.Query(ctx, sql, pgtype.Text{String: q.claimID, Valid: true}, int32(q.batch))
	if err != nil {
		return nil, fmt.Errorf("pgtransport: claim from %s: %w", q.table, err)
	}
	type claimed struct {
		id       pgtype.UUID
		envelope []byte
		created  pgtype.Timestamptz
	}
	var got []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.envelope, &c.created); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pgtransport: scan %s: %w", q.table, err)
		}
		got = append(got, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgtransport: claim from %s: %w", q.table, err)
	}

	// RETURNING has no order; restore the queue order.
	slices.SortFunc(got, func(a, b claimed) int {
		if c := a.created.Time.Compare(b.created.Time); c != 0 {
			return c
		}
		return bytes.Compare(a.id.Bytes[:], b.id.Bytes[:])
	})
	out := make([]*flow.Packet, 0, len(got))
	for _, c := range got {
		p, err := transport.Decode(c.envelope)
		if err != nil {
			q.invalid.Add(1)
			q.logger.Warn("skipping invalid row", "table", q.table, "id", c.id.String(), "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Invalid returns the number of claimed rows skipped because they did not decode.
func (q *Queue) Invalid() int64 { return q.invalid.Load() }

// Send inserts p. A packet already in the table is left as is, so
// redelivering the same packet is harmless.
func (q *Queue) Send(ctx context.Context, p *flow.Packet) error {
	data, err := transport.Encode(p)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`INSERT INTO %s (id, envelope) VALUES ($1, $2) ON CONFLICT (id) DO NOTHING`, q.ident())
	if _, err := q.q.Exec(ctx, sql, pgtype.UUID{Bytes: p.ID(), Valid: true}, string(data)); err != nil {
		return fmt.Errorf("pgtransport: insert into %s: %w", q.table, err)
	}
	return nil
}

// Purge deletes claimed rows and returns how many were removed.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	tag, err := q.q.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE claimed_at IS NOT NULL`, q.ident()))
	if err != nil {
		return 0, fmt.Errorf("pgtransport: purge %s: %w", q.table, err)
	}
	return tag.RowsAffected(), nil
}

var (
	_ transport.Receiver = (*Queue)(nil)
	_ transport.Sender   = (*Queue)(nil)
)
