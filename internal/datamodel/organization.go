package datamodel

import (
	"encoding/json"
	"slices"
	"time"
)

type Organization struct {
	ID          string               `json:"id"`
	Name        string               `json:"name"`
	PublishedAt *time.Time           `json:"publishedAt,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
	Metadata    OrganizationMetadata `json:"metadata"`
}

// OrganizationMetadata is either pending (no checkout has been applied yet) or paid.
// A paid org carries every checkout session ID that was applied to it.
type OrganizationMetadata struct {
	Payment *PaymentRecord
}

type PaymentRecord struct {
	PaymentIDs         []string `json:"paymentId"`
	SubscriptionID     string   `json:"subscriptionId,omitempty"`
	SubscriptionItemID string   `json:"subscriptionItemId,omitempty"`
}

func (m OrganizationMetadata) Pending() bool { return m.Payment == nil }

// HasPayment returns true when the given checkout session has already been applied to the org.
func (m OrganizationMetadata) HasPayment(sessionID string) bool {
	return m.Payment != nil && slices.Contains(m.Payment.PaymentIDs, sessionID)
}

// WithPayment returns a copy of the metadata with the checkout session recorded.
func (m OrganizationMetadata) WithPayment(sessionID, subscriptionID, itemID string) OrganizationMetadata {
	rec := &PaymentRecord{SubscriptionID: subscriptionID, SubscriptionItemID: itemID}
	if m.Payment != nil {
		rec.PaymentIDs = slices.Clone(m.Payment.PaymentIDs)
	}
	if !slices.Contains(rec.PaymentIDs, sessionID) {
		rec.PaymentIDs = append(rec.PaymentIDs, sessionID)
	}
	return OrganizationMetadata{Payment: rec}
}

func (m OrganizationMetadata) MarshalJSON() ([]byte, error) {
	if m.Payment == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m.Payment)
}

// UnmarshalJSON accepts whatever has historically been written to the metadata column.
// Anything other than a non-empty array of strings under "paymentId" is treated as pending.
func (m *OrganizationMetadata) UnmarshalJSON(b []byte) error {
	raw := struct {
		PaymentID          json.RawMessage `json:"paymentId"`
		SubscriptionID     any             `json:"subscriptionId"`
		SubscriptionItemID any             `json:"subscriptionItemId"`
	}{}
	if err := json.Unmarshal(b, &raw); err != nil {
		*m = OrganizationMetadata{}
		return nil // not an object - nothing has been recorded
	}

	ids := stringArray(raw.PaymentID)
	if len(ids) == 0 {
		*m = OrganizationMetadata{}
		return nil
	}

	rec := &PaymentRecord{PaymentIDs: ids}
	rec.SubscriptionID, _ = raw.SubscriptionID.(string)
	rec.SubscriptionItemID, _ = raw.SubscriptionItemID.(string)
	*m = OrganizationMetadata{Payment: rec}
	return nil
}

// stringArray returns the string elements of a JSON array, or nil if the value isn't an array.
func stringArray(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	items := []any{}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
