package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mailfold/mailfold/internal/domain"
)

func conditionContact() *domain.Contact {
	return &domain.Contact{
		ID:        "c1",
		Email:     "ada@example.com",
		FirstName: "Ada",
		Status:    domain.ContactStatusSubscribed,
		Tags:      []string{"vip", "beta"},
		Lists: []domain.ListMembership{
			{ListID: "list-1", Status: domain.MembershipActive, AddedAt: time.Now()},
			{ListID: "list-2", Status: domain.MembershipUnsubscribed, AddedAt: time.Now()},
		},
		Attributes: map[string]interface{}{
			"company": "Analytical Engines",
			"seats":   float64(12),
		},
		Engagement: domain.Engagement{
			EmailsReceived: 10,
			EmailsOpened:   4,
			EmailsClicked:  0,
			Score:          16,
		},
	}
}

func TestEvaluateCondition(t *testing.T) {
	contact := conditionContact()

	cases := []struct {
		name string
		cond domain.StepCondition
		want bool
	}{
		{"equals string", domain.StepCondition{Field: "contact.firstName", Operator: domain.CondEquals, Value: "ada"}, true},
		{"equals mismatch", domain.StepCondition{Field: "contact.firstName", Operator: domain.CondEquals, Value: "grace"}, false},
		{"equals numeric", domain.StepCondition{Field: "contact.seats", Operator: domain.CondEquals, Value: "12"}, true},
		{"not equals", domain.StepCondition{Field: "contact.email", Operator: domain.CondNotEquals, Value: "bob@example.com"}, true},
		{"contains substring", domain.StepCondition{Field: "contact.company", Operator: domain.CondContains, Value: "engine"}, true},
		{"contains list", domain.StepCondition{Field: "contact.tags", Operator: domain.CondContains, Value: "vip"}, true},
		{"not contains", domain.StepCondition{Field: "contact.company", Operator: domain.CondNotContains, Value: "railways"}, true},
		{"greater than", domain.StepCondition{Field: "engagement.score", Operator: domain.CondGreaterThan, Value: "10"}, true},
		{"greater than false", domain.StepCondition{Field: "engagement.score", Operator: domain.CondGreaterThan, Value: "40"}, false},
		{"less than", domain.StepCondition{Field: "contact.seats", Operator: domain.CondLessThan, Value: "20"}, true},
		{"is set", domain.StepCondition{Field: "contact.company", Operator: domain.CondIsSet}, true},
		{"is not set", domain.StepCondition{Field: "contact.missing", Operator: domain.CondIsNotSet}, true},
		{"in list active", domain.StepCondition{Operator: domain.CondInList, Value: "list-1"}, true},
		{"in list unsubscribed", domain.StepCondition{Operator: domain.CondInList, Value: "list-2"}, false},
		{"has tag", domain.StepCondition{Operator: domain.CondHasTag, Value: "beta"}, true},
		{"has tag missing", domain.StepCondition{Operator: domain.CondHasTag, Value: "gold"}, false},
		{"opened email", domain.StepCondition{Operator: domain.CondOpenedEmail}, true},
		{"clicked email", domain.StepCondition{Operator: domain.CondClickedEmail}, false},
		{"unknown operator", domain.StepCondition{Field: "contact.email", Operator: "matches_regex", Value: ".*"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, EvaluateCondition(tc.cond, contact))
		})
	}
}

func TestEvaluateAll(t *testing.T) {
	contact := conditionContact()

	assert.True(t, EvaluateAll(nil, contact))
	assert.True(t, EvaluateAll([]domain.StepCondition{
		{Operator: domain.CondHasTag, Value: "vip"},
		{Field: "engagement.score", Operator: domain.CondGreaterThan, Value: "10"},
	}, contact))
	assert.False(t, EvaluateAll([]domain.StepCondition{
		{Operator: domain.CondHasTag, Value: "vip"},
		{Operator: domain.CondClickedEmail},
	}, contact))
}
