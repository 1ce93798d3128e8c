package backend

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// PGXFactory is the default Factory, backed by github.com/jackc/pgx/v5.
type PGXFactory struct{}

// Connect implements Factory.
func (PGXFactory) Connect(ctx context.Context, url string) (Conn, error) {
	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("pgx connect: %w", err)
	}
	return &pgxConn{conn: conn}, nil
}

// pgxQuerier is the subset of *pgx.Conn this package depends on, narrowed
// to an interface so pgxConn.Query's simple-protocol usage can be
// exercised without a live connection.
type pgxQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close(ctx context.Context) error
	TypeMap() *pgtype.Map
}

type pgxConn struct {
	conn pgxQuerier
}

// Query implements Conn. sql may bundle multiple statements (a Client
// assembles BEGIN/.../COMMIT this way), so this always runs over pgx's
// simple query protocol: the extended protocol prepares and parses each
// query individually and rejects a parse message containing more than one
// command.
func (c *pgxConn) Query(ctx context.Context, sql string) (Result, error) {
	rows, err := c.conn.Query(ctx, sql, pgx.QueryExecModeSimpleProtocol)
	if err != nil {
		return Result{}, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	columns := make([]string, len(fields))
	for i, f := range fields {
		columns[i] = f.Name
	}

	result := Result{Columns: columns}
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return Result{}, fmt.Errorf("scan row: %w", err)
		}
		result.Rows = append(result.Rows, Row(values))
		result.Count++
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("iterate rows: %w", err)
	}

	if result.Count == 0 {
		if tag := rows.CommandTag(); tag.RowsAffected() > 0 {
			result.Count = tag.RowsAffected()
		}
	}

	return result, nil
}

// Close implements Conn.
func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// SetTypeParser implements Conn by registering a custom decoder into the
// connection's pgtype.Map for the given OID.
func (c *pgxConn) SetTypeParser(oid uint32, format Format, parser TypeParser) error {
	codec := &parserCodec{parser: parser}
	c.conn.TypeMap().RegisterType(&pgtype.Type{
		Name:  fmt.Sprintf("sqlpool_oid_%d", oid),
		OID:   oid,
		Codec: codec,
	})
	return nil
}

// parserCodec adapts a TypeParser func into a pgtype.Codec, decoding every
// value through the configured parser regardless of wire format.
type parserCodec struct {
	parser TypeParser
}

func (c *parserCodec) FormatSupported(int16) bool { return true }

func (c *parserCodec) PreferredFormat() int16 { return pgtype.TextFormatCode }

func (c *parserCodec) PlanEncode(m *pgtype.Map, oid uint32, format int16, value any) pgtype.EncodePlan {
	return nil
}

func (c *parserCodec) PlanScan(m *pgtype.Map, oid uint32, format int16, target any) pgtype.ScanPlan {
	return parserScanPlan{parser: c.parser}
}

type parserScanPlan struct {
	parser TypeParser
}

func (p parserScanPlan) Scan(src []byte, dst any) error {
	value, err := p.parser(src)
	if err != nil {
		return err
	}
	ptr, ok := dst.(*any)
	if !ok {
		return fmt.Errorf("sqlpool: type parser target must be *any")
	}
	*ptr = value
	return nil
}
