package netutil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestJSONClientDo(t *testing.T) {
	var gotAuth, gotMethod, gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotMethod = r.Method
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]bool{"success": true})
	}))
	defer srv.Close()

	c := NewJSONClient(srv.URL, "secret-token")
	var out struct {
		Success bool `json:"success"`
	}
	err := c.Do(context.Background(), http.MethodPut, "/v1/things/42", map[string]string{"name": "blog"}, &out)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !out.Success {
		t.Error("response not decoded")
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("auth = %q", gotAuth)
	}
	if gotMethod != http.MethodPut || gotPath != "/v1/things/42" {
		t.Errorf("request = %s %s", gotMethod, gotPath)
	}
	if gotBody["name"] != "blog" {
		t.Errorf("body = %v", gotBody)
	}
}

func TestJSONClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"errors":[{"message":"no access"}]}`))
	}))
	defer srv.Close()

	c := NewJSONClient(srv.URL, "")
	err := c.Do(context.Background(), http.MethodGet, "/v1/denied", nil, nil)

	var statusErr *HTTPStatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("err = %v, want HTTPStatusError", err)
	}
	if statusErr.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d", statusErr.StatusCode)
	}
	if statusErr.Body == "" {
		t.Error("body not captured")
	}
}
