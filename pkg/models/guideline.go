package models

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// Guideline is a declarative condition/action rule shaping agent behavior.
// GuidelineSet is the owning agent's id.
type Guideline struct {
	ID           string    `json:"id"`
	GuidelineSet string    `json:"guideline_set"`
	Condition    string    `json:"condition"`
	Action       string    `json:"action"`
	CreationUTC  time.Time `json:"creation_utc"`
}

// ChecksumHex identifies the guideline content for indexing purposes.
// Two guidelines with the same condition and action share a checksum.
func (g *Guideline) ChecksumHex() string {
	sum := md5.Sum([]byte(g.Condition + "_" + g.Action))
	return hex.EncodeToString(sum[:])
}

// ConnectionKind is the strength of a directed guideline relationship.
type ConnectionKind string

const (
	// ConnectionKindEntails means the source guideline's action implies
	// the target's condition holds.
	ConnectionKindEntails ConnectionKind = "entails"

	// ConnectionKindSuggests is a weaker, advisory relationship.
	ConnectionKindSuggests ConnectionKind = "suggests"
)

// GuidelineConnection is a directed edge between two guidelines. At most
// one edge exists per (source, target) pair; writes are upserts.
type GuidelineConnection struct {
	ID          string         `json:"id"`
	Source      string         `json:"source"`
	Target      string         `json:"target"`
	Kind        ConnectionKind `json:"kind"`
	CreationUTC time.Time      `json:"creation_utc"`
}

// GuidelineToolAssociation makes a tool available when its guideline
// applies.
type GuidelineToolAssociation struct {
	ID          string    `json:"id"`
	GuidelineID string    `json:"guideline_id"`
	ToolID      ToolID    `json:"tool_id"`
	CreationUTC time.Time `json:"creation_utc"`
}
