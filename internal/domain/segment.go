package domain

import (
	"context"
	"strings"
	"time"
)

// SegmentOperator is a predicate operator over a contact field.
type SegmentOperator string

const (
	SegmentOpEquals      SegmentOperator = "equals"
	SegmentOpNotEquals   SegmentOperator = "not_equals"
	SegmentOpContains    SegmentOperator = "contains"
	SegmentOpNotContains SegmentOperator = "not_contains"
	SegmentOpGreaterThan SegmentOperator = "greater_than"
	SegmentOpLessThan    SegmentOperator = "less_than"
	SegmentOpIsSet       SegmentOperator = "is_set"
	SegmentOpIsNotSet    SegmentOperator = "is_not_set"
	SegmentOpHasTag      SegmentOperator = "has_tag"
	SegmentOpInList      SegmentOperator = "in_list"
)

// SegmentCondition is one leaf predicate. Field is either a contact column
// (email, status, first_name, last_name) or a dotted path into the
// attributes document.
type SegmentCondition struct {
	Field    string          `json:"field"`
	Operator SegmentOperator `json:"operator"`
	Value    string          `json:"value,omitempty"`
}

// SegmentMatch joins conditions: "all" (AND) or "any" (OR).
type SegmentMatch string

const (
	SegmentMatchAll SegmentMatch = "all"
	SegmentMatchAny SegmentMatch = "any"
)

// Segment is a stored predicate over contacts; it evaluates to a query, not
// a materialized membership.
type Segment struct {
	ID         string             `json:"id"`
	OrgID      string             `json:"org_id"`
	Name       string             `json:"name"`
	Match      SegmentMatch       `json:"match"`
	Conditions []SegmentCondition `json:"conditions"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// Validate checks the segment before persistence.
func (s *Segment) Validate() error {
	s.Name = strings.TrimSpace(s.Name)
	if s.Name == "" {
		return NewValidationError("segment name is required", "name")
	}
	if s.Match == "" {
		s.Match = SegmentMatchAll
	}
	if s.Match != SegmentMatchAll && s.Match != SegmentMatchAny {
		return NewValidationError("match must be all or any", "match")
	}
	if len(s.Conditions) == 0 {
		return NewValidationError("segment requires at least one condition", "conditions")
	}
	for _, c := range s.Conditions {
		if c.Field == "" {
			return NewValidationError("condition field is required", "conditions.field")
		}
		switch c.Operator {
		case SegmentOpEquals, SegmentOpNotEquals, SegmentOpContains, SegmentOpNotContains,
			SegmentOpGreaterThan, SegmentOpLessThan, SegmentOpIsSet, SegmentOpIsNotSet,
			SegmentOpHasTag, SegmentOpInList:
		default:
			return NewValidationError("unknown condition operator: "+string(c.Operator), "conditions.operator")
		}
	}
	return nil
}

// SegmentRepository is the datastore contract for segments.
type SegmentRepository interface {
	Create(ctx context.Context, segment *Segment) error
	Update(ctx context.Context, segment *Segment) error
	GetByID(ctx context.Context, orgID, id string) (*Segment, error)
	GetByIDs(ctx context.Context, orgID string, ids []string) ([]*Segment, error)
	GetAll(ctx context.Context, orgID string) ([]*Segment, error)
	Delete(ctx context.Context, orgID, id string) error
}
