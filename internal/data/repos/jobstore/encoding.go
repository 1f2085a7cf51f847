package jobstore

import (
	"encoding/json"
	"strings"

	"gorm.io/datatypes"

	"github.com/ghosthands/core/internal/domain/ghostjobs"
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

func marshalAny(v any) (datatypes.JSON, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(b), nil
}

func decodeInteractionState(raw datatypes.JSON) (*ghostjobs.InteractionState, error) {
	state := &ghostjobs.InteractionState{}
	if len(raw) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(raw, state); err != nil {
		return nil, err
	}
	return state, nil
}

// isUniqueViolation is a best-effort, driver-agnostic check: pgx/lib/pq
// both surface Postgres' SQLSTATE 23505 in the error text, and GORM
// doesn't normalize this across drivers for us.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key")
}
