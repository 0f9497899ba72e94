package models

import (
	"encoding/json"
	"time"
)

// ContextVariable is a named, per-user piece of state made available to
// the engine. When ToolID is set the variable's value is produced by that
// tool; FreshnessRules (a cron expression over
// "seconds minutes hours day-of-month month day-of-week") controls when
// the value must be re-evaluated. Without freshness rules the value is
// refreshed only on session creation.
type ContextVariable struct {
	ID          string `json:"id"`
	VariableSet string `json:"variable_set"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	ToolID         *ToolID `json:"tool_id,omitempty"`
	FreshnessRules string  `json:"freshness_rules,omitempty"`

	CreationUTC time.Time `json:"creation_utc"`
}

// ContextVariableValue is the stored value of a variable for one key
// (typically an end-user id).
type ContextVariableValue struct {
	ID           string          `json:"id"`
	VariableID   string          `json:"variable_id"`
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	LastModified time.Time       `json:"last_modified"`
}
