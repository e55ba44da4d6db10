package storage

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"taskmaster/domain"
)

// encodeExtra flattens user fields into the single string property or
// column the backends store them in. No fields encode as "".
func encodeExtra(extra map[string]json.RawMessage) (string, error) {
	if len(extra) == 0 {
		return "", nil
	}
	data, err := sonic.ConfigStd.Marshal(extra)
	if err != nil {
		return "", fmt.Errorf("%w: extra fields: %v", domain.ErrInvalidArgument, err)
	}
	return string(data), nil
}

func decodeExtra(data string) (map[string]json.RawMessage, error) {
	if data == "" {
		return nil, nil
	}
	var extra map[string]json.RawMessage
	if err := sonic.ConfigStd.UnmarshalFromString(data, &extra); err != nil {
		return nil, err
	}
	return extra, nil
}
