package models

import (
	"strings"
	"time"
)

// Record is a host record as a bag of attributes.
type Record struct {
	LogicalName string         `json:"LogicalName"`
	ID          string         `json:"Id"`
	Attributes  map[string]any `json:"Attributes"`
}

// String returns the attribute as a trimmed string, or "" when absent or not textual.
func (r *Record) String(attr string) string {
	if r == nil || r.Attributes == nil {
		return ""
	}
	v, ok := r.Attributes[attr].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}

// OperationContext is what the host hands the producer when a record mutates.
type OperationContext struct {
	MessageName        string            `json:"MessageName"`
	PrimaryEntityName  string            `json:"PrimaryEntityName"`
	PrimaryEntityID    string            `json:"PrimaryEntityId"`
	UserID             string            `json:"UserId"`
	InitiatingUserID   string            `json:"InitiatingUserId"`
	OrganizationID     string            `json:"OrganizationId"`
	OrganizationName   string            `json:"OrganizationName"`
	BusinessUnitID     string            `json:"BusinessUnitId"`
	CorrelationID      string            `json:"CorrelationId"`
	OperationID        string            `json:"OperationId"`
	OperationCreatedOn time.Time         `json:"OperationCreatedOn"`
	Depth              int               `json:"Depth"`
	Stage              int               `json:"Stage"`
	Mode               int               `json:"Mode"`
	IsInTransaction    bool              `json:"IsInTransaction"`
	Target             *Record           `json:"Target,omitempty"`
	InputParameters    map[string]any    `json:"InputParameters,omitempty"`
	OutputParameters   map[string]any    `json:"OutputParameters,omitempty"`
	PreImages          map[string]Record `json:"PreEntityImages,omitempty"`
	PostImages         map[string]Record `json:"PostEntityImages,omitempty"`
	SharedVariables    map[string]any    `json:"SharedVariables,omitempty"`
}

// PreImageKey and PostImageKey are the conventional image aliases.
const (
	PreImageKey  = "PreImage"
	PostImageKey = "PostImage"
)

// PreImage returns the conventional pre-image, or nil.
func (c OperationContext) PreImage() *Record {
	img, ok := c.PreImages[PreImageKey]
	if !ok {
		return nil
	}
	return &img
}

// TargetID is the identity of the mutated record: the target's own id, else the primary entity id.
func (c OperationContext) TargetID() string {
	if c.Target != nil && strings.TrimSpace(c.Target.ID) != "" {
		return strings.TrimSpace(c.Target.ID)
	}
	return strings.TrimSpace(c.PrimaryEntityID)
}

// TargetLogicalName is the entity type of the mutated record.
func (c OperationContext) TargetLogicalName() string {
	if c.Target != nil && c.Target.LogicalName != "" {
		return c.Target.LogicalName
	}
	return c.PrimaryEntityName
}
