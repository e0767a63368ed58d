package internal

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
)

// ColumnInfo is one column of a table as reported by DESCRIBE.
type ColumnInfo struct {
	Name string
	Type string
}

// baseDuckDBType strips parameters such as DECIMAL(18,3) down to DECIMAL.
func baseDuckDBType(t string) string {
	t = strings.ToUpper(strings.TrimSpace(t))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// MapDuckDBTypeToArrow maps a DuckDB column type onto the Arrow type used in
// serialized results. Nested and exotic types fall back to their text form.
func MapDuckDBTypeToArrow(duckType string) arrow.DataType {
	switch baseDuckDBType(duckType) {
	case "TINYINT", "SMALLINT", "INTEGER", "BIGINT",
		"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT",
		"HUGEINT", "UHUGEINT":
		return arrow.PrimitiveTypes.Int64
	case "FLOAT", "REAL", "DOUBLE", "DECIMAL", "NUMERIC":
		return arrow.PrimitiveTypes.Float64
	case "BOOLEAN":
		return arrow.FixedWidthTypes.Boolean
	case "DATE":
		return arrow.FixedWidthTypes.Date32
	case "TIMESTAMP", "TIMESTAMP WITH TIME ZONE", "TIMESTAMPTZ", "DATETIME":
		return arrow.FixedWidthTypes.Timestamp_us
	case "BLOB", "BYTEA":
		return arrow.BinaryTypes.Binary
	default:
		return arrow.BinaryTypes.String
	}
}

// arrowSchemaFor builds a nullable Arrow schema from DuckDB column info.
func arrowSchemaFor(cols []ColumnInfo) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: MapDuckDBTypeToArrow(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// appendValue appends a scanned driver value to an Arrow builder.
func appendValue(b array.Builder, value any) error {
	if value == nil {
		b.AppendNull()
		return nil
	}
	switch bld := b.(type) {
	case *array.Int64Builder:
		n, err := toInt64(value)
		if err != nil {
			return err
		}
		bld.Append(n)
	case *array.Float64Builder:
		f, err := toFloat64(value)
		if err != nil {
			return err
		}
		bld.Append(f)
	case *array.BooleanBuilder:
		v, ok := value.(bool)
		if !ok {
			return fmt.Errorf("cannot convert %T to BOOLEAN", value)
		}
		bld.Append(v)
	case *array.Date32Builder:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to DATE", value)
		}
		bld.Append(arrow.Date32FromTime(t))
	case *array.TimestampBuilder:
		t, ok := value.(time.Time)
		if !ok {
			return fmt.Errorf("cannot convert %T to TIMESTAMP", value)
		}
		bld.Append(arrow.Timestamp(t.UTC().UnixMicro()))
	case *array.BinaryBuilder:
		switch v := value.(type) {
		case []byte:
			bld.Append(v)
		case string:
			bld.Append([]byte(v))
		default:
			return fmt.Errorf("cannot convert %T to BLOB", value)
		}
	case *array.StringBuilder:
		switch v := value.(type) {
		case string:
			bld.Append(v)
		case []byte:
			bld.Append(string(v))
		case time.Time:
			bld.Append(v.UTC().Format(time.RFC3339Nano))
		default:
			bld.Append(fmt.Sprint(v))
		}
	default:
		return fmt.Errorf("unsupported arrow builder %T", b)
	}
	return nil
}

func toInt64(value any) (int64, error) {
	switch n := value.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case *big.Int:
		if !n.IsInt64() {
			return 0, fmt.Errorf("integer %s overflows int64", n.String())
		}
		return n.Int64(), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", value)
	}
}

func toFloat64(value any) (float64, error) {
	switch n := value.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, nil
	case interface{ Float64() float64 }:
		// duckdb.Decimal
		return n.Float64(), nil
	default:
		i, err := toInt64(value)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %T to double", value)
		}
		return float64(i), nil
	}
}
