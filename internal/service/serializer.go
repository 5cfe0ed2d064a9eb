package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/Guizzs26/go-outbox-relay/internal/models"

	"github.com/google/uuid"
)

// serializedContext is the wire shape of a captured operation. Fields are listed
// explicitly so the payload only grows when this struct does
type serializedContext struct {
	MessageName        string                   `json:"MessageName"`
	PrimaryEntityName  string                   `json:"PrimaryEntityName"`
	PrimaryEntityID    string                   `json:"PrimaryEntityId"`
	UserID             string                   `json:"UserId"`
	InitiatingUserID   string                   `json:"InitiatingUserId"`
	OrganizationID     string                   `json:"OrganizationId"`
	OrganizationName   string                   `json:"OrganizationName"`
	BusinessUnitID     string                   `json:"BusinessUnitId"`
	CorrelationID      string                   `json:"CorrelationId"`
	OperationID        string                   `json:"OperationId"`
	OperationCreatedOn time.Time                `json:"OperationCreatedOn"`
	Depth              int                      `json:"Depth"`
	IsInTransaction    bool                     `json:"IsInTransaction"`
	Mode               int                      `json:"Mode"`
	Stage              int                      `json:"Stage"`
	InputParameters    map[string]any           `json:"InputParameters"`
	OutputParameters   map[string]any           `json:"OutputParameters"`
	PreEntityImages    map[string]models.Record `json:"PreEntityImages"`
	PostEntityImages   map[string]models.Record `json:"PostEntityImages"`
	SharedVariables    map[string]any           `json:"SharedVariables"`
}

// ContextSerializer turns an operation context into the outbox message body
type ContextSerializer struct {
	logger *slog.Logger
}

func NewContextSerializer(l *slog.Logger) *ContextSerializer {
	return &ContextSerializer{logger: l}
}

// Serialize captures op as compact JSON. PrimaryEntityId is the mutated record's
// identity so consumers can correlate back to the outbox row. Values that refer
// back to one of their ancestors are dropped
func (s *ContextSerializer) Serialize(op models.OperationContext) (string, error) {
	input := make(map[string]any, len(op.InputParameters)+1)
	for k, v := range op.InputParameters {
		input[k] = v
	}
	if _, ok := input["Target"]; !ok && op.Target != nil {
		input["Target"] = op.Target
	}

	payload := serializedContext{
		MessageName:        op.MessageName,
		PrimaryEntityName:  op.PrimaryEntityName,
		PrimaryEntityID:    CanonicalRecordID(op.TargetID()),
		UserID:             op.UserID,
		InitiatingUserID:   op.InitiatingUserID,
		OrganizationID:     op.OrganizationID,
		OrganizationName:   op.OrganizationName,
		BusinessUnitID:     op.BusinessUnitID,
		CorrelationID:      op.CorrelationID,
		OperationID:        op.OperationID,
		OperationCreatedOn: op.OperationCreatedOn,
		Depth:              op.Depth,
		IsInTransaction:    op.IsInTransaction,
		Mode:               op.Mode,
		Stage:              op.Stage,
		InputParameters:    acyclicMap(input),
		OutputParameters:   acyclicMap(op.OutputParameters),
		PreEntityImages:    acyclicImages(op.PreImages),
		PostEntityImages:   acyclicImages(op.PostImages),
		SharedVariables:    acyclicMap(op.SharedVariables),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to serialize operation context: %w", err)
	}

	s.logger.Debug("Operation context serialized", "size", len(body))
	return string(body), nil
}

// CanonicalRecordID lower-cases UUID identities so producer and consumer agree on
// the form. Other identifiers are returned unchanged
func CanonicalRecordID(id string) string {
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

func acyclicMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	v, _ := dropCycles(m, map[uintptr]struct{}{})
	return v.(map[string]any)
}

func acyclicImages(images map[string]models.Record) map[string]models.Record {
	if images == nil {
		return nil
	}
	out := make(map[string]models.Record, len(images))
	for k, img := range images {
		v, _ := dropCycles(img, map[uintptr]struct{}{})
		out[k] = v.(models.Record)
	}
	return out
}

// dropCycles copies v without any value that is already on the path from the root.
// ok is false when v itself closes a cycle
func dropCycles(v any, path map[uintptr]struct{}) (any, bool) {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return t, true
		}
		ptr := reflect.ValueOf(t).Pointer()
		if _, seen := path[ptr]; seen {
			return nil, false
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)

		out := make(map[string]any, len(t))
		for k, child := range t {
			if c, ok := dropCycles(child, path); ok {
				out[k] = c
			}
		}
		return out, true

	case []any:
		if len(t) == 0 {
			return t, true
		}
		ptr := reflect.ValueOf(t).Pointer()
		if _, seen := path[ptr]; seen {
			return nil, false
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)

		out := make([]any, 0, len(t))
		for _, child := range t {
			if c, ok := dropCycles(child, path); ok {
				out = append(out, c)
			}
		}
		return out, true

	case *models.Record:
		if t == nil {
			return t, true
		}
		ptr := reflect.ValueOf(t).Pointer()
		if _, seen := path[ptr]; seen {
			return nil, false
		}
		path[ptr] = struct{}{}
		defer delete(path, ptr)

		rec, _ := dropCycles(*t, path)
		r := rec.(models.Record)
		return &r, true

	case models.Record:
		if t.Attributes == nil {
			return t, true
		}
		attrs, ok := dropCycles(t.Attributes, path)
		if !ok {
			t.Attributes = nil
			return t, true
		}
		t.Attributes = attrs.(map[string]any)
		return t, true

	default:
		return v, true
	}
}
