package courtlistener

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupCitation_Success(t *testing.T) {
	t.Parallel()

	want := []Lookup{{
		Citation:            "183 Wn.2d 649",
		NormalizedCitations: []string{"183 Wash. 2d 649"},
		Status:              200,
		Clusters: []Cluster{{
			CaseName:    "Lopez Demetrio v. Sakuma Brothers Farms, Inc.",
			Court:       "Washington Supreme Court",
			DateFiled:   "2015-07-16",
			AbsoluteURL: "/opinion/3215921/lopez-demetrio-v-sakuma-bros-farms/",
		}},
	}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/citation-lookup/", r.URL.Path)
		assert.Equal(t, "Token test-key", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "183 Wn.2d 649", r.PostForm.Get("text"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(want)
	}))
	defer srv.Close()

	client := NewClient("test-key", WithBaseURL(srv.URL))
	got, err := client.LookupCitation(context.Background(), "183 Wn.2d 649")

	require.NoError(t, err)
	assert.True(t, got.Found())
	require.Len(t, got.Clusters, 1)
	assert.Equal(t, "Lopez Demetrio v. Sakuma Brothers Farms, Inc.", got.Clusters[0].CaseName)
}

func TestLookupCitation_NotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"citation":"999 Fake 123","status":404,"clusters":[]}]`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	got, err := client.LookupCitation(context.Background(), "999 Fake 123")

	require.NoError(t, err)
	assert.False(t, got.Found())
}

func TestLookupCitation_EmptyResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	got, err := client.LookupCitation(context.Background(), "410 U.S. 113")

	require.NoError(t, err)
	assert.False(t, got.Found())
	assert.Equal(t, "410 U.S. 113", got.Citation)
}

func TestLookupCitation_RetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"citation":"410 U.S. 113","status":200,"clusters":[{"case_name":"Roe v. Wade"}]}]`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	got, err := client.LookupCitation(context.Background(), "410 U.S. 113")

	require.NoError(t, err)
	assert.True(t, got.Found())
	assert.Equal(t, int32(2), calls.Load())
}

func TestLookupCitation_NoAuthHeaderWithoutKey(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	_, err := client.LookupCitation(context.Background(), "1 U.S. 1")
	assert.NoError(t, err)
}

func TestLookupCitation_ClientError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	client := NewClient("", WithBaseURL(srv.URL))
	_, err := client.LookupCitation(context.Background(), "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
