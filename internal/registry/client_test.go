package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const validNHSNumber = "9434765919"

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewHTTPClient(server.URL, "test-key", 5*time.Second, zap.NewNop())
}

func testQuery() Query {
	return Query{
		GivenName:   "Harriet",
		FamilyName:  "Jones",
		DateOfBirth: time.Date(2014, 3, 9, 0, 0, 0, 0, time.UTC),
		Postcode:    "SW1A 1AA",
	}
}

func TestSearchSingleMatch(t *testing.T) {
	var got *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		fmt.Fprintf(w, `{"resourceType":"Bundle","total":1,"entry":[{"resource":{"id":%q}}]}`, validNHSNumber)
	})

	person, err := client.Search(context.Background(), testQuery())
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.Equal(t, validNHSNumber, person.NHSNumber)

	require.NotNil(t, got)
	assert.Equal(t, "/Patient", got.URL.Path)
	params := got.URL.Query()
	assert.Equal(t, "Jones", params.Get("family"))
	assert.Equal(t, "Harriet", params.Get("given"))
	assert.Equal(t, "eq2014-03-09", params.Get("birthdate"))
	assert.Equal(t, "SW1A 1AA", params.Get("address-postalcode"))
	assert.Empty(t, params.Get("_history"))
	assert.Empty(t, params.Get("_fuzzy-match"))
	assert.Equal(t, "test-key", got.Header.Get("X-API-Key"))
}

func TestSearchSendsHistoryAndFuzzyFlags(t *testing.T) {
	var got *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		fmt.Fprint(w, `{"resourceType":"Bundle","total":0}`)
	})

	query := testQuery()
	query.History = true
	query.Fuzzy = true
	_, err := client.Search(context.Background(), query)
	require.NoError(t, err)

	params := got.URL.Query()
	assert.Equal(t, "true", params.Get("_history"))
	assert.Equal(t, "true", params.Get("_fuzzy-match"))
}

func TestSearchOmitsPostcodeWhenAbsent(t *testing.T) {
	var got *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		fmt.Fprint(w, `{"resourceType":"Bundle","total":0}`)
	})

	query := testQuery()
	query.Postcode = ""
	_, err := client.Search(context.Background(), query)
	require.NoError(t, err)

	_, present := got.URL.Query()["address-postalcode"]
	assert.False(t, present)
}

func TestSearchNoMatches(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Bundle","total":0}`)
	})

	person, err := client.Search(context.Background(), testQuery())
	require.NoError(t, err)
	assert.Nil(t, person)
}

func TestSearchTooManyMatchesOutcome(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{
			"resourceType": "OperationOutcome",
			"issue": [{"details": {"coding": [{"code": "TOO_MANY_MATCHES"}]}}]
		}`)
	})

	_, err := client.Search(context.Background(), testQuery())
	assert.ErrorIs(t, err, ErrTooManyMatches)
}

func TestSearchMultiEntryBundleIsTooManyMatches(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"resourceType":"Bundle","total":2,"entry":[{"resource":{"id":%q}},{"resource":{"id":"9434765870"}}]}`, validNHSNumber)
	})

	_, err := client.Search(context.Background(), testQuery())
	assert.ErrorIs(t, err, ErrTooManyMatches)
}

func TestSearchRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Search(context.Background(), testQuery())
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestSearchServerError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	})

	_, err := client.Search(context.Background(), testQuery())
	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr))
	assert.Equal(t, http.StatusBadGateway, serverErr.StatusCode)
}

func TestSearchRejectsInvalidNHSNumberInResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Bundle","total":1,"entry":[{"resource":{"id":"1234567890"}}]}`)
	})

	_, err := client.Search(context.Background(), testQuery())
	var serverErr *ServerError
	assert.True(t, errors.As(err, &serverErr), "a corrupt identifier is a registry fault, not a match")
}

func TestSearchVaccinationHistory(t *testing.T) {
	var got *http.Request
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		fmt.Fprint(w, `{"entry": [
			{"resource": {
				"vaccineCode": {"text": "HPV"},
				"occurrenceDateTime": "2024-10-02T10:30:00Z",
				"protocolApplied": [{"doseNumberPositiveInt": 2}]
			}},
			{"resource": {
				"vaccineCode": {"text": "MenACWY"},
				"occurrenceDateTime": "2023-06-14T09:00:00Z"
			}}
		]}`)
	})

	records, err := client.SearchVaccinationHistory(context.Background(), validNHSNumber)
	require.NoError(t, err)

	assert.Equal(t, "/Immunization", got.URL.Path)
	assert.Equal(t, validNHSNumber, got.URL.Query().Get("patient.identifier"))

	require.Len(t, records, 2)
	assert.Equal(t, "HPV", records[0].Vaccine)
	assert.Equal(t, 2, records[0].DoseSequence)
	assert.Equal(t, "national_record", records[0].Source)
	assert.Equal(t, 1, records[1].DoseSequence, "missing protocol defaults to dose one")
}

func TestSearchVaccinationHistoryRateLimited(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.SearchVaccinationHistory(context.Background(), validNHSNumber)
	assert.ErrorIs(t, err, ErrRateLimited)
}
