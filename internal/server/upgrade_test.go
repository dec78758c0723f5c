package server

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheLab-ms/orgbilling/internal/datamodel"
	"github.com/TheLab-ms/orgbilling/internal/payment"
)

const upgradePath = "/api/orgs/" + testOrgID + "/upgrade"

func TestUpgradeRedirectsAuthenticatedUsers(t *testing.T) {
	s, b := newTestServer(t)
	h := s.NewHandler()

	r := httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil)
	r.Header.Set("X-Forwarded-Preferred-Username", "u1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/orgs/"+testOrgID+"?upgrade=success", w.Header().Get("Location"))
	assert.Equal(t, []datamodel.UpgradeParams{{
		OrgID:              testOrgID,
		UserID:             "u1",
		CheckoutSessionID:  "cs_test_1",
		SubscriptionID:     "sub_1",
		SubscriptionItemID: "si_1",
	}}, b.upgrades)
	assert.Equal(t, []string{"OrganizationUpgraded"}, b.events)
}

func TestUpgradeRespondsWithJSONWithoutSession(t *testing.T) {
	s, b := newTestServer(t)
	h := s.NewHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decodeBody(t, w)
	assert.Equal(t, "Upgrade successful", body["message"])
	org := body["org"].(map[string]any)
	assert.Equal(t, testOrgID, org["id"])
	assert.Equal(t, []any{"cs_test_1"}, org["metadata"].(map[string]any)["paymentId"])
	assert.Len(t, b.upgrades, 1)

	// Replays return the existing org without upgrading again
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, b.upgrades, 1)
}

func TestUpgradeIgnoresTestUserForResponseFormat(t *testing.T) {
	t.Setenv("TESTUSERID", "u1")
	s, b := newTestServer(t)
	s.Env.TestUserID = "u1"

	w := httptest.NewRecorder()
	s.NewHandler().ServeHTTP(w, httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, "Upgrade successful", decodeBody(t, w)["message"])
	assert.Len(t, b.upgrades, 1)
}

func TestUpgradeRejectsSessionPaidForAnotherOrg(t *testing.T) {
	const otherOrgID = "cl9ebqhxk00003b600tymyzzz"
	s, b := newTestServer(t)
	b.orgs[otherOrgID] = &datamodel.Organization{ID: otherOrgID, Name: "Other Org"}
	b.members[otherOrgID] = []*datamodel.OrganizationMembership{
		{ID: "m2", OrgID: otherOrgID, UserID: "u2", Metadata: datamodel.MembershipMetadata{OnboardingSteps: []string{datamodel.OnboardingStepPublish}}},
	}
	h := s.NewHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/orgs/"+otherOrgID+"/upgrade?session_id=cs_test_1", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Len(t, b.upgrades, 1)
	assert.True(t, b.orgs[otherOrgID].Metadata.Pending())

	// Sessions that were never tied to an org can't upgrade anything
	b.sessions["cs_unreferenced"] = &payment.CheckoutSession{ID: "cs_unreferenced", PaymentStatus: "paid", SubscriptionID: "sub_2", SubscriptionItemID: "si_2"}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/api/orgs/"+otherOrgID+"/upgrade?session_id=cs_unreferenced", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
	assert.Len(t, b.upgrades, 1)
}

func TestUpgradeAlreadyPaidOrg(t *testing.T) {
	s, b := newTestServer(t)
	org := b.orgs[testOrgID]
	org.Metadata = org.Metadata.WithPayment("cs_test_1", "sub_1", "si_1")

	r := httptest.NewRequest("GET", upgradePath+"?session_id=cs_test_1", nil)
	r.Header.Set("X-Forwarded-Preferred-Username", "u1")
	w := httptest.NewRecorder()
	s.NewHandler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusFound, w.Code)
	assert.Empty(t, b.upgrades)
	assert.Empty(t, b.events)
}

func TestUpgradeSessionFromPostBody(t *testing.T) {
	s, b := newTestServer(t)
	h := s.NewHandler()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, postForm(upgradePath, url.Values{"session_id": {"cs_test_1"}}))
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, b.upgrades, 1)

	r := httptest.NewRequest("POST", upgradePath, strings.NewReader(`{"session_id": "cs_test_1"}`))
	r.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, b.upgrades, 1)

	r = httptest.NewRequest("POST", upgradePath, strings.NewReader(`{"session_id": `))
	r.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON body", decodeBody(t, w)["error"])
}

func TestUpgradeEmptyJSONBody(t *testing.T) {
	s, b := newTestServer(t)

	r := httptest.NewRequest("POST", upgradePath, strings.NewReader(""))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.NewHandler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Missing session_id", decodeBody(t, w)["error"])
	assert.Empty(t, b.upgrades)
}

func TestUpgradeErrors(t *testing.T) {
	tests := []struct {
		Name   string
		Method string
		Path   string
		Setup  func(b *fakeBackend)
		Code   int
		Error  string
	}{
		{
			Name:  "missing session id",
			Path:  upgradePath,
			Code:  http.StatusBadRequest,
			Error: "Missing session_id",
		},
		{
			Name:  "invalid org id",
			Path:  "/api/orgs/abc123/upgrade?session_id=cs_test_1",
			Code:  http.StatusBadRequest,
			Error: "Invalid organization id",
		},
		{
			Name:  "unknown session",
			Path:  upgradePath + "?session_id=cs_bogus",
			Code:  http.StatusBadRequest,
			Error: "Invalid session_id",
		},
		{
			Name: "not paid",
			Path: upgradePath + "?session_id=cs_test_1",
			Setup: func(b *fakeBackend) {
				b.sessions["cs_test_1"].PaymentStatus = "unpaid"
			},
			Code:  http.StatusPaymentRequired,
			Error: "Payment required",
		},
		{
			Name: "no subscription",
			Path: upgradePath + "?session_id=cs_test_1",
			Setup: func(b *fakeBackend) {
				b.sessions["cs_test_1"] = &payment.CheckoutSession{ID: "cs_test_1", PaymentStatus: "paid"}
			},
			Code:  http.StatusNotFound,
			Error: "Subscription not found",
		},
		{
			Name: "session not linked to the paid org",
			Path: upgradePath + "?session_id=cs_test_1",
			Setup: func(b *fakeBackend) {
				org := b.orgs[testOrgID]
				org.Metadata = org.Metadata.WithPayment("cs_other", "sub_0", "si_0")
			},
			Code: http.StatusNotFound,
		},
		{
			Name: "org missing",
			Path: upgradePath + "?session_id=cs_test_1",
			Setup: func(b *fakeBackend) {
				delete(b.orgs, testOrgID)
			},
			Code: http.StatusNotFound,
		},
		{
			Name: "nobody published",
			Path: upgradePath + "?session_id=cs_test_1",
			Setup: func(b *fakeBackend) {
				b.members[testOrgID] = b.members[testOrgID][:1]
			},
			Code: http.StatusNotFound,
		},
		{
			Name:   "wrong method",
			Method: "DELETE",
			Path:   upgradePath + "?session_id=cs_test_1",
			Code:   http.StatusMethodNotAllowed,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			s, b := newTestServer(t)
			if test.Setup != nil {
				test.Setup(b)
			}
			method := test.Method
			if method == "" {
				method = "GET"
			}

			r := httptest.NewRequest(method, test.Path, nil)
			r.Header.Set("X-Forwarded-Preferred-Username", "u1")
			w := httptest.NewRecorder()
			s.NewHandler().ServeHTTP(w, r)

			assert.Equal(t, test.Code, w.Code, w.Body.String())
			body := decodeBody(t, w)
			if test.Error != "" {
				assert.Equal(t, test.Error, body["error"])
			} else {
				assert.NotEmpty(t, body["error"])
			}
			assert.Empty(t, b.upgrades)
		})
	}
}

func TestCuidPattern(t *testing.T) {
	for id, valid := range map[string]bool{
		testOrgID:                    true,
		"CL9EBQHXK00003B600TYMYDHO":  true,
		"abc123":                     false,
		"c1234567":                   false,
		"c12345678":                  true,
		"c1234-5678":                 false,
		"cl9ebqhxk 0003b600tymydho":  false,
		"xl9ebqhxk00003b600tymydhoo": false,
	} {
		assert.Equal(t, valid, cuidPattern.MatchString(id), id)
	}
}
