package annolinesdk_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	annolinesdk "annoline/sdk/go"
)

func TestTransitionRoutesAndAuth(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotAuth = r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"study":{"id":7,"status":"closed_n","iteration":1},"applied":true}`))
	}))
	defer srv.Close()

	c := annolinesdk.New(srv.URL+"/v1/", "tok")
	out, err := c.Close(context.Background(), 7, "n")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if gotPath != "/v1/studies/7/close" || gotAuth != "Bearer tok" || gotBody["reason"] != "n" {
		t.Fatalf("unexpected request %s %s %v", gotPath, gotAuth, gotBody)
	}
	if !out.Applied || out.Study.Status != "closed_n" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestClaimNextWhenEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"study":null}`))
	}))
	defer srv.Close()
	s, err := annolinesdk.New(srv.URL, "tok").ClaimNext(context.Background(), 1)
	if err != nil || s != nil {
		t.Fatalf("expected no study, got %+v %v", s, err)
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"precondition_failed","message":"approve: study 3 is new"}}`))
	}))
	defer srv.Close()
	_, err := annolinesdk.New(srv.URL, "tok").Approve(context.Background(), 3)
	var apiErr *annolinesdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || apiErr.Code != "precondition_failed" {
		t.Fatalf("unexpected error %v", err)
	}
}
