package permission

import "log/slog"

// Filter computes the granted permission set for a plugin.
//
// Step 1 drops declared identifiers the catalog does not recognize.
// Step 2 intersects the remainder with the host allowlist.
// Step 3 falls back to the default baseline (still clipped by the
// allowlist) when nothing survives.
//
// The result never exceeds what was both requested and explicitly allowed;
// it is computed once at load time and attached to the descriptor.
func Filter(declared Set, catalog Catalog, allowlist Set) Set {
	return FilterNamed("", declared, catalog, allowlist)
}

// FilterNamed is Filter with a plugin name attached to the log records.
func FilterNamed(plugin string, declared Set, catalog Catalog, allowlist Set) Set {
	valid := make(Set, len(declared))
	for id := range declared {
		if catalog.Knows(id) {
			valid.Add(id)
			continue
		}
		slog.Warn("plugin declared invalid permission",
			"plugin", plugin,
			"permission", string(id))
	}

	granted := valid.Intersect(allowlist)
	for id := range valid {
		if !granted.Has(id) {
			slog.Warn("permission refused by host allowlist",
				"plugin", plugin,
				"permission", string(id))
		}
	}

	if len(granted) == 0 {
		granted = DefaultBaseline().Intersect(allowlist)
		slog.Warn("plugin granted baseline permissions only",
			"plugin", plugin,
			"granted", granted.Sorted())
	}

	return granted
}
