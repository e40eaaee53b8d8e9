package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/drphrozen/snowplow-rdb-loader/internal/folder"
	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
)

// fakeRegistry resolves every lookup to a fixed schema list, or fails for
// a vendor/name pair listed in errs.
type fakeRegistry struct {
	latest model.SchemaVer
	errs   map[string]error
}

func (f *fakeRegistry) GetSchemas(ctx context.Context, vendor, name string, modelNum int) (model.SchemaList, error) {
	if err, ok := f.errs[vendor+"/"+name]; ok {
		return model.SchemaList{}, err
	}
	return model.NewSchemaList([]model.SchemaRevision{
		{Key: model.SchemaKey{Vendor: vendor, Name: name, Model: modelNum, Version: f.latest}},
	})
}

func TestResolveAttachesLatestSchemaKeyPerType(t *testing.T) {
	reg := &fakeRegistry{latest: model.SchemaVer{Model: 1, Revision: 2, Addition: 0}}
	msg := model.ShreddingComplete{
		Base: folder.CoerceFolder("s3://bucket/run=2024-01-01-00-00-00"),
		Types: []model.ShreddedTypeInfo{
			{Vendor: "com.acme", Name: "click", Model: 1, Format: model.FormatTSV},
			{Vendor: "com.acme", Name: "view", Model: 1, Format: model.FormatTSV},
		},
		Compression: model.CompressionGZIP,
	}

	got, err := Resolve(context.Background(), reg, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.ShreddedTypes) != 2 {
		t.Fatalf("expected 2 resolved types, got %d", len(got.ShreddedTypes))
	}
	for _, st := range got.ShreddedTypes {
		if st.Key.Version != reg.latest {
			t.Errorf("expected resolved version %v, got %v", reg.latest, st.Key.Version)
		}
	}
	if got.Base != msg.Base || got.Compression != msg.Compression {
		t.Errorf("expected Base/Compression to carry over unchanged, got %+v", got)
	}
}

// TestResolveSkipsRegistryForLegacyJSON asserts a legacy-JSON-format type
// passes through with a zero SchemaKey and never reaches the registry
// (spec.md §4.3 step 1: getSchemas is "none" for legacy JSON).
func TestResolveSkipsRegistryForLegacyJSON(t *testing.T) {
	reg := &fakeRegistry{
		latest: model.SchemaVer{Model: 1},
		errs:   map[string]error{"com.acme/legacy": errors.New("should never be called")},
	}
	msg := model.ShreddingComplete{
		Types: []model.ShreddedTypeInfo{
			{Vendor: "com.acme", Name: "legacy", Model: 1, Format: model.FormatJSON},
		},
	}

	got, err := Resolve(context.Background(), reg, msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.ShreddedTypes) != 1 {
		t.Fatalf("expected 1 resolved type, got %d", len(got.ShreddedTypes))
	}
	if got.ShreddedTypes[0].Key != (model.SchemaKey{}) {
		t.Errorf("expected zero SchemaKey for legacy JSON, got %+v", got.ShreddedTypes[0].Key)
	}
}

func TestResolveWrapsRegistryFailureAsDiscoveryError(t *testing.T) {
	reg := &fakeRegistry{
		latest: model.SchemaVer{Model: 1},
		errs:   map[string]error{"com.acme/click": errors.New("registry unreachable")},
	}
	msg := model.ShreddingComplete{
		Types: []model.ShreddedTypeInfo{{Vendor: "com.acme", Name: "click", Model: 1}},
	}

	_, err := Resolve(context.Background(), reg, msg)
	if !loaderr.Is(err, loaderr.Discovery) {
		t.Fatalf("expected loaderr.Discovery, got %v", err)
	}
}
