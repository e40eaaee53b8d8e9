package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetSchemasParsesAndSortsRevisions(t *testing.T) {
	const body = `[
		{"self": {"vendor": "com.acme", "name": "context", "format": "jsonschema", "version": "1-0-1"},
		 "properties": [{"name": "one", "type": "string", "maxLength": 32}, {"name": "two", "type": "integer"}]},
		{"self": {"vendor": "com.acme", "name": "context", "format": "jsonschema", "version": "1-0-0"},
		 "properties": [{"name": "one", "type": "string", "maxLength": 32}]}
	]`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/schemas/com.acme/context/jsonschema" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	defer server.Close()

	client := New(server.URL)
	list, err := client.GetSchemas(context.Background(), "com.acme", "context", 1)
	if err != nil {
		t.Fatalf("get schemas: %v", err)
	}
	if list.Len() != 2 {
		t.Fatalf("expected 2 revisions, got %d", list.Len())
	}
	// Response was out of order; GetSchemas must sort ascending by version.
	if list.Entries()[0].Key.Version.Addition != 0 {
		t.Fatalf("expected first entry to be 1-0-0, got %+v", list.Entries()[0].Key.Version)
	}
	latest := list.Latest()
	if latest.Key.Version.Addition != 1 {
		t.Fatalf("expected latest to be 1-0-1, got %+v", latest.Key.Version)
	}
	if len(latest.Columns) != 2 || latest.Columns[1].Type.SQLType != "BIGINT" {
		t.Fatalf("expected integer column mapped to BIGINT, got %+v", latest.Columns)
	}
}

func TestGetSchemasErrorsOnEmptyResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := New(server.URL)
	if _, err := client.GetSchemas(context.Background(), "com.acme", "context", 1); err == nil {
		t.Fatalf("expected error for empty schema list")
	}
}

func TestGetSchemasErrorsOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := New(server.URL)
	if _, err := client.GetSchemas(context.Background(), "com.acme", "context", 1); err == nil {
		t.Fatalf("expected error for 404 response")
	}
}

var _ Client = (*HTTPClient)(nil)
