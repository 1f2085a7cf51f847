package registry

import (
	"encoding/json"

	"gorm.io/datatypes"
)

func marshalJSON(m map[string]any) (datatypes.JSON, error) {
	if m == nil {
		return datatypes.JSON([]byte(`{}`)), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}
