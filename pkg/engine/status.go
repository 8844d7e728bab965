package engine

import (
	"encoding/json"
	"fmt"
)

// Outcome tells a wakeup handler why the waiting job was woken.
type Outcome string

const (
	// OutcomeCompleted indicates the joined job reached a terminal status.
	OutcomeCompleted Outcome = "completed"

	// OutcomeTimedOut indicates the join deadline passed before the joined
	// job finished.
	OutcomeTimedOut Outcome = "timed_out"
)

// Validate checks if the outcome is valid.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeCompleted, OutcomeTimedOut:
		return nil
	default:
		return fmt.Errorf("invalid wakeup outcome: %s", o)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(o))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*o = Outcome(str)
	return o.Validate()
}
