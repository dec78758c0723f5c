package server

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/TheLab-ms/orgbilling/internal/apierror"
)

var cuidPattern = regexp.MustCompile(`(?i)^c[^\s-]{8,}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("cuid", func(fl validator.FieldLevel) bool {
		return cuidPattern.MatchString(fl.Field().String())
	})
	return v
}

type upgradeRequest struct {
	OrgID     string `validate:"required,cuid"`
	SessionID string `validate:"required"`
}

// parseUpgradeRequest reads the org from the path and the session from the query string.
// POSTs can also carry the session as a form value or JSON body.
func parseUpgradeRequest(r *http.Request) (*upgradeRequest, error) {
	req := &upgradeRequest{
		OrgID:     r.PathValue("id"),
		SessionID: r.URL.Query().Get("session_id"),
	}
	if req.SessionID == "" && r.Method == http.MethodPost {
		ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if ct == "application/json" {
			body := struct {
				SessionID string `json:"session_id"`
			}{}
			// an empty body is reported as a missing session below
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
				return nil, apierror.InvalidRequest("Invalid JSON body")
			}
			req.SessionID = body.SessionID
		} else {
			req.SessionID = r.PostFormValue("session_id")
		}
	}

	err := validate.Struct(req)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		// the org id is checked first since it's declared first
		if verrs[0].Field() == "OrgID" {
			return nil, apierror.InvalidOrganizationID()
		}
		return nil, apierror.MissingSessionID()
	}
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (s *Server) newUpgradeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodPost {
			w.Header().Set("Allow", "GET, POST")
			renderError(w, r, apierror.MethodNotAllowed())
			return
		}

		req, err := parseUpgradeRequest(r)
		if err != nil {
			renderError(w, r, err)
			return
		}

		result, err := s.Upgrades.Confirm(r.Context(), req.OrgID, req.SessionID)
		if err != nil {
			renderError(w, r, err)
			return
		}

		// Browsers arriving from the checkout redirect go back to the org page
		if getUserID(r) != "" {
			http.Redirect(w, r, "/orgs/"+req.OrgID+"?upgrade=success", http.StatusFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"message": "Upgrade successful",
			"org":     result.Org,
		})
	}
}
