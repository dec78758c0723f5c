package datamodel

import (
	"encoding/json"
	"slices"
	"time"
)

// OnboardingStepPublish marks the member who started the paid checkout for their org.
const OnboardingStepPublish = "publish"

type OrganizationMembership struct {
	ID        string             `json:"id"`
	OrgID     string             `json:"orgId"`
	UserID    string             `json:"userId"`
	Role      string             `json:"role"`
	CreatedAt time.Time          `json:"createdAt"`
	Metadata  MembershipMetadata `json:"metadata"`
}

type MembershipMetadata struct {
	OnboardingSteps []string
}

func (m MembershipMetadata) Completed(step string) bool {
	return slices.Contains(m.OnboardingSteps, step)
}

func (m MembershipMetadata) MarshalJSON() ([]byte, error) {
	steps := m.OnboardingSteps
	if steps == nil {
		steps = []string{}
	}
	return json.Marshal(map[string][]string{"onboardingStep": steps})
}

func (m *MembershipMetadata) UnmarshalJSON(b []byte) error {
	raw := struct {
		OnboardingStep json.RawMessage `json:"onboardingStep"`
	}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		*m = MembershipMetadata{}
		return nil
	}
	*m = MembershipMetadata{OnboardingSteps: stringArray(raw.OnboardingStep)}
	return nil
}

// FindInitiator returns the first membership that completed the publish step.
// Callers are expected to pass memberships in a stable order (oldest first).
func FindInitiator(memberships []*OrganizationMembership) *OrganizationMembership {
	for _, m := range memberships {
		if m.Metadata.Completed(OnboardingStepPublish) {
			return m
		}
	}
	return nil
}

// UpgradeParams describe a paid checkout that should be applied to an org.
type UpgradeParams struct {
	OrgID              string
	UserID             string
	CheckoutSessionID  string
	SubscriptionID     string
	SubscriptionItemID string
}
