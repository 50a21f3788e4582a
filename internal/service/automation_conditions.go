package service

import (
	"strings"

	"github.com/mailfold/mailfold/internal/domain"
)

// conditionContext builds the Value tree condition field paths traverse.
// It extends the render context with engagement counters so conditions
// like "engagement.score greater_than 40" work.
func conditionContext(contact *domain.Contact) domain.Value {
	root := contact.RenderContext()
	if root.Kind != domain.ValueObject {
		return root
	}
	root.Obj["engagement"] = domain.ObjectValue(map[string]domain.Value{
		"emails_received": domain.IntValue(int64(contact.Engagement.EmailsReceived)),
		"emails_opened":   domain.IntValue(int64(contact.Engagement.EmailsOpened)),
		"emails_clicked":  domain.IntValue(int64(contact.Engagement.EmailsClicked)),
		"score":           domain.IntValue(int64(contact.Engagement.Score)),
		"level":           domain.StringValue(string(contact.Engagement.Level)),
	})
	return root
}

// EvaluateCondition applies one operator against the contact. Unknown
// operators evaluate false so a bad workflow cannot fire actions.
func EvaluateCondition(cond domain.StepCondition, contact *domain.Contact) bool {
	switch cond.Operator {
	case domain.CondHasTag:
		return contact.HasTag(cond.Value)
	case domain.CondInList:
		membership := contact.MembershipFor(cond.Value)
		return membership != nil && membership.Status == domain.MembershipActive
	case domain.CondOpenedEmail:
		return contact.Engagement.EmailsOpened > 0
	case domain.CondClickedEmail:
		return contact.Engagement.EmailsClicked > 0
	}

	field := domain.LookupPath(conditionContext(contact), cond.Field)
	switch cond.Operator {
	case domain.CondEquals:
		return valueEquals(field, cond.Value)
	case domain.CondNotEquals:
		return !valueEquals(field, cond.Value)
	case domain.CondContains:
		return valueContains(field, cond.Value)
	case domain.CondNotContains:
		return !valueContains(field, cond.Value)
	case domain.CondGreaterThan:
		left, lok := field.AsFloat()
		right, rok := domain.StringValue(cond.Value).AsFloat()
		return lok && rok && left > right
	case domain.CondLessThan:
		left, lok := field.AsFloat()
		right, rok := domain.StringValue(cond.Value).AsFloat()
		return lok && rok && left < right
	case domain.CondIsSet:
		return field.IsSet()
	case domain.CondIsNotSet:
		return !field.IsSet()
	default:
		return false
	}
}

// EvaluateAll is the AND-join over a step's condition set; an empty set
// passes.
func EvaluateAll(conds []domain.StepCondition, contact *domain.Contact) bool {
	for _, cond := range conds {
		if !EvaluateCondition(cond, contact) {
			return false
		}
	}
	return true
}

// valueEquals compares numerically when both sides parse as numbers, else
// case-insensitively as strings.
func valueEquals(field domain.Value, raw string) bool {
	if left, lok := field.AsFloat(); lok {
		if right, rok := domain.StringValue(raw).AsFloat(); rok {
			return left == right
		}
	}
	return strings.EqualFold(field.AsString(), raw)
}

func valueContains(field domain.Value, raw string) bool {
	if field.Kind == domain.ValueList {
		return field.Contains(domain.StringValue(raw))
	}
	return strings.Contains(strings.ToLower(field.AsString()), strings.ToLower(raw))
}
