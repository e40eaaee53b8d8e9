// Package registry is the Iglu schema registry client: a pure lookup of
// schema chains by vendor/name/model. spec.md explicitly scopes out the
// registry's resolution internals (cache fallback, embedded repos) — this
// package only covers the HTTP call to a configured registry root and the
// JSON-Schema-to-warehouse-column mapping the migration planner needs.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// Client resolves schema chains against an Iglu-compatible HTTP registry.
type Client interface {
	// GetSchemas returns every known revision of vendor/name/model, ordered
	// ascending by version, as a non-empty model.SchemaList.
	GetSchemas(ctx context.Context, vendor, name string, modelNum int) (model.SchemaList, error)
}

// HTTPClient implements Client against an Iglu Server-compatible registry
// root, the same shape http://go.../api/schemas/<vendor>/<name>/jsonschema
// serves: GET returns a JSON array of schema bodies ordered by version.
type HTTPClient struct {
	root   string
	client *http.Client
}

// New constructs an HTTPClient rooted at registryURL (no trailing slash).
func New(registryURL string) *HTTPClient {
	return &HTTPClient{
		root:   strings.TrimSuffix(registryURL, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type igluSchemaEnvelope struct {
	Self    igluSelfBlock  `json:"self"`
	Columns []igluProperty `json:"properties"`
}

type igluSelfBlock struct {
	Vendor  string `json:"vendor"`
	Name    string `json:"name"`
	Format  string `json:"format"`
	Version string `json:"version"`
}

type igluProperty struct {
	Name      string `json:"name"`
	Type      string `json:"type"`
	MaxLength int    `json:"maxLength"`
}

// GetSchemas fetches every revision under vendor/name/model and maps each
// one's JSON Schema properties into warehouse columns (spec.md §3:
// SchemaList). The column mapping is intentionally simple — varchar
// sizing from maxLength, everything else passed through as a generic SQL
// type — because the full JSON-Schema type compiler is out of scope here.
func (c *HTTPClient) GetSchemas(ctx context.Context, vendor, name string, modelNum int) (model.SchemaList, error) {
	url := fmt.Sprintf("%s/api/schemas/%s/%s/jsonschema?model=%d", c.root, vendor, name, modelNum)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return model.SchemaList{}, fmt.Errorf("registry: build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return model.SchemaList{}, fmt.Errorf("registry: fetch %s/%s model %d: %w", vendor, name, modelNum, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return model.SchemaList{}, fmt.Errorf("registry: %s returned %d: %s", url, resp.StatusCode, string(body))
	}

	var envelopes []igluSchemaEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelopes); err != nil {
		return model.SchemaList{}, fmt.Errorf("registry: decode response: %w", err)
	}
	if len(envelopes) == 0 {
		return model.SchemaList{}, fmt.Errorf("registry: no schemas found for %s/%s model %d", vendor, name, modelNum)
	}

	revisions := make([]model.SchemaRevision, 0, len(envelopes))
	for _, env := range envelopes {
		ver, err := model.ParseSchemaVer(env.Self.Version)
		if err != nil {
			return model.SchemaList{}, fmt.Errorf("registry: %w", err)
		}
		key := model.SchemaKey{Vendor: env.Self.Vendor, Name: env.Self.Name, Model: ver.Model, Version: ver}
		revisions = append(revisions, model.SchemaRevision{Key: key, Columns: mapColumns(env.Columns)})
	}
	return model.NewSchemaList(revisions)
}

func mapColumns(props []igluProperty) []model.Column {
	cols := make([]model.Column, 0, len(props))
	for _, p := range props {
		cols = append(cols, model.Column{Name: p.Name, Type: sqlTypeOf(p)})
	}
	return cols
}

func sqlTypeOf(p igluProperty) model.ColumnType {
	switch p.Type {
	case "integer":
		return model.ColumnType{SQLType: "BIGINT"}
	case "number":
		return model.ColumnType{SQLType: "DOUBLE PRECISION"}
	case "boolean":
		return model.ColumnType{SQLType: "BOOLEAN"}
	default:
		length := p.MaxLength
		if length <= 0 {
			length = 4096
		}
		return model.ColumnType{SQLType: fmt.Sprintf("VARCHAR(%d)", length), Length: length}
	}
}
