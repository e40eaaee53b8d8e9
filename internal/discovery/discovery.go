// Package discovery resolves a raw ShreddingComplete queue payload into
// the loader-internal DataDiscovery, the one place a ShreddedTypeInfo
// gets a concrete SchemaKey by asking the registry for that type's
// latest known revision (spec.md §3: "DataDiscovery ... derived from
// ShreddingComplete by resolving every non-atomic type against the
// schema registry").
package discovery

import (
	"context"
	"fmt"

	"github.com/drphrozen/snowplow-rdb-loader/internal/loaderr"
	"github.com/drphrozen/snowplow-rdb-loader/internal/model"
	"github.com/drphrozen/snowplow-rdb-loader/internal/registry"
)

// Resolve converts msg into a DataDiscovery. A registry lookup failure
// or an empty schema list is a loaderr.Discovery error (spec.md §7:
// "registry resolution failed" — alert and ack, never retried). A
// legacy-JSON-format type carries no columnar schema at all (spec.md
// §4.3 step 1: getSchemas returns "none" for it), so it passes through
// with a zero SchemaKey instead of hitting the registry.
func Resolve(ctx context.Context, reg registry.Client, msg model.ShreddingComplete) (model.DataDiscovery, error) {
	resolved := make([]model.ShreddedType, 0, len(msg.Types))
	for _, info := range msg.Types {
		if info.Format == model.FormatJSON {
			resolved = append(resolved, model.ShreddedType{Info: info})
			continue
		}
		prefix := info.SchemaKeyPrefix()
		list, err := reg.GetSchemas(ctx, prefix.Vendor, prefix.Name, prefix.Model)
		if err != nil {
			return model.DataDiscovery{}, loaderr.Wrap(loaderr.Discovery, fmt.Sprintf("resolve %s", prefix), err)
		}
		resolved = append(resolved, model.ShreddedType{Info: info, Key: list.Latest().Key})
	}

	return model.DataDiscovery{
		Base:          msg.Base,
		Compression:   msg.Compression,
		ShreddedTypes: resolved,
		Timestamps:    msg.Timestamps,
		Processor:     msg.Processor,
		Count:         msg.Count,
	}, nil
}
