package jsonx

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Decode converts a bus payload into T. Payloads may be raw JSON
// ([]byte or string) or an already decoded value such as map[string]any.
func Decode[T any](src any, dst *T) error {
	switch v := src.(type) {
	case nil:
		return errors.New("empty payload")
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	case T:
		*dst = v
		return nil
	case *T:
		*dst = *v
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return errors.Wrapf(err, "re-encode %T", src)
		}
		return json.Unmarshal(b, dst)
	}
}
