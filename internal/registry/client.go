package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cohort-data/internal/domain"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// Query a demographic search request. Wildcarded name/postcode values carry
// a trailing "*"; DateOfBirth is always exact.
type Query struct {
	GivenName   string
	FamilyName  string
	DateOfBirth time.Time
	Postcode    string
	// History includes historical (previous) names in the match.
	History bool
	// Fuzzy enables phonetic/approximate name matching.
	Fuzzy bool
}

// Person a single registry match.
type Person struct {
	NHSNumber string
}

// Client queries the national demographic registry. Search returns
// (nil, nil) when there are no matches, ErrTooManyMatches when the registry
// cannot narrow to one person, ErrRateLimited on throttling and
// *ServerError on transient failures.
type Client interface {
	Search(ctx context.Context, query Query) (*Person, error)
	SearchVaccinationHistory(ctx context.Context, nhsNumber string) ([]domain.VaccinationRecord, error)
}

// HTTPClient Client implementation against the registry's FHIR search API.
type HTTPClient struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewHTTPClient builds the registry client. No transport-level retries:
// retry/backoff on throttling is the job runtime's responsibility.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *zap.Logger) *HTTPClient {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/fhir+json")
	if apiKey != "" {
		client.SetHeader("X-API-Key", apiKey)
	}

	return &HTTPClient{
		httpClient: client,
		logger:     logger,
	}
}

var _ Client = (*HTTPClient)(nil)

// searchBundle registry search response (FHIR Bundle shape).
type searchBundle struct {
	ResourceType string `json:"resourceType"`
	Total        int    `json:"total"`
	Entry        []struct {
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	} `json:"entry"`
	Issue []struct {
		Details struct {
			Coding []struct {
				Code string `json:"code"`
			} `json:"coding"`
		} `json:"details"`
	} `json:"issue"`
}

const tooManyMatchesCode = "TOO_MANY_MATCHES"

// Search runs one demographic query.
func (c *HTTPClient) Search(ctx context.Context, query Query) (*Person, error) {
	params := map[string]string{
		"family":    query.FamilyName,
		"given":     query.GivenName,
		"birthdate": "eq" + query.DateOfBirth.Format("2006-01-02"),
	}
	if query.Postcode != "" {
		params["address-postalcode"] = query.Postcode
	}
	if query.History {
		params["_history"] = "true"
	}
	if query.Fuzzy {
		params["_fuzzy-match"] = "true"
	}

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get("/Patient")
	if err != nil {
		c.logger.Error("registry search request failed", zap.Error(err))
		return nil, &ServerError{StatusCode: 0, Message: err.Error()}
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode() >= http.StatusInternalServerError:
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	case resp.StatusCode() != http.StatusOK:
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	}

	var bundle searchBundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: fmt.Sprintf("malformed response: %v", err)}
	}

	if bundle.ResourceType == "OperationOutcome" {
		for _, issue := range bundle.Issue {
			for _, coding := range issue.Details.Coding {
				if coding.Code == tooManyMatchesCode {
					return nil, ErrTooManyMatches
				}
			}
		}
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: "unexpected operation outcome"}
	}

	if bundle.Total == 0 || len(bundle.Entry) == 0 {
		return nil, nil
	}
	if bundle.Total > 1 {
		// Defensive: the registry signals ambiguity with an
		// OperationOutcome, but treat a multi-entry bundle the same way.
		return nil, ErrTooManyMatches
	}

	nhsNumber := bundle.Entry[0].Resource.ID
	if !domain.ValidNHSNumber(nhsNumber) {
		c.logger.Warn("registry returned invalid NHS number", zap.String("nhs_number", nhsNumber))
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: "invalid NHS number in response"}
	}

	return &Person{NHSNumber: nhsNumber}, nil
}

// immunizationBundle immunisation history response.
type immunizationBundle struct {
	Entry []struct {
		Resource struct {
			VaccineCode struct {
				Text string `json:"text"`
			} `json:"vaccineCode"`
			OccurrenceDateTime time.Time `json:"occurrenceDateTime"`
			ProtocolApplied    []struct {
				DoseNumberPositiveInt int `json:"doseNumberPositiveInt"`
			} `json:"protocolApplied"`
		} `json:"resource"`
	} `json:"entry"`
}

// SearchVaccinationHistory fetches nationally-recorded doses for a patient.
// Called after an NHS number is first resolved or changes.
func (c *HTTPClient) SearchVaccinationHistory(ctx context.Context, nhsNumber string) ([]domain.VaccinationRecord, error) {
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParam("patient.identifier", nhsNumber).
		Get("/Immunization")
	if err != nil {
		return nil, &ServerError{StatusCode: 0, Message: err.Error()}
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode() != http.StatusOK:
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: string(resp.Body())}
	}

	var bundle immunizationBundle
	if err := json.Unmarshal(resp.Body(), &bundle); err != nil {
		return nil, &ServerError{StatusCode: resp.StatusCode(), Message: fmt.Sprintf("malformed response: %v", err)}
	}

	records := make([]domain.VaccinationRecord, 0, len(bundle.Entry))
	for _, entry := range bundle.Entry {
		dose := 1
		if len(entry.Resource.ProtocolApplied) > 0 {
			dose = entry.Resource.ProtocolApplied[0].DoseNumberPositiveInt
		}
		records = append(records, domain.VaccinationRecord{
			Vaccine:      entry.Resource.VaccineCode.Text,
			DoseSequence: dose,
			PerformedAt:  entry.Resource.OccurrenceDateTime,
			Source:       "national_record",
		})
	}
	return records, nil
}
