package models

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
)

var (
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	timeType     = reflect.TypeOf(time.Time{})
	many2OneType = reflect.TypeOf(Many2One{})
)

// DecodeHook converts the loosely typed values produced by XML-RPC and by
// config files into the model types. The remote service sends false for
// empty fields of any type.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		falseToZeroHook,
		decimalHook,
		dateHook,
		many2OneHook,
	)
}

// DecodeRecord decodes one remote record (or any map) into out.
func DecodeRecord(input interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       DecodeHook(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(input)
}

// DecodeRecords decodes a search_read reply into a slice of records.
func DecodeRecords[T any](reply interface{}) ([]T, error) {
	if reply == nil {
		return nil, nil
	}
	rows, ok := reply.([]interface{})
	if !ok {
		return nil, fmt.Errorf("expected a list of records, got %T", reply)
	}

	records := make([]T, 0, len(rows))
	for i, row := range rows {
		var record T
		if err := DecodeRecord(row, &record); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, record)
	}
	return records, nil
}

func falseToZeroHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.Bool || to.Kind() == reflect.Bool {
		return data, nil
	}
	if b, ok := data.(bool); ok && !b {
		return reflect.Zero(to).Interface(), nil
	}
	return data, nil
}

func decimalHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != decimalType || from == decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	default:
		return data, nil
	}
}

func dateHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != timeType || from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{DateLayout, "2006-01-02 15:04:05", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
}

func many2OneHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if to != many2OneType {
		return data, nil
	}
	switch v := data.(type) {
	case []interface{}:
		var m Many2One
		if len(v) > 0 {
			id, err := toInt64(v[0])
			if err != nil {
				return nil, fmt.Errorf("relation id: %w", err)
			}
			m.ID = id
		}
		if len(v) > 1 {
			if name, ok := v[1].(string); ok {
				m.Name = name
			}
		}
		return m, nil
	case int64, int, float64:
		id, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return Many2One{ID: id}, nil
	default:
		return data, nil
	}
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}
