package state

import (
	"fmt"
	"sort"
	"strings"
)

// DataCatalog summarizes everything a plan can reference with ${...}:
// preprocessed files by bucket and archived tool outputs by action id.
// The string is rebuilt lazily and cached until the next invalidation.
func (s *RuntimeState) DataCatalog() string {
	if s.catalog != "" {
		return s.catalog
	}
	s.catalog = s.buildCatalog()
	return s.catalog
}

// InvalidateCatalog drops the cached catalog; called after any handler
// that adds referenceable data.
func (s *RuntimeState) InvalidateCatalog() { s.catalog = "" }

func (s *RuntimeState) buildCatalog() string {
	var b strings.Builder
	b.WriteString("Available data references:\n")

	empty := true
	for _, bucket := range []string{"documents", "tables", "images", "other"} {
		files := s.PreprocessedFiles.Bucket(bucket)
		if len(files) == 0 {
			continue
		}
		empty = false
		names := make([]string, 0, len(files))
		for name := range files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "- ${preprocessed_files.%s.%s}\n", bucket, name)
		}
	}

	if len(s.FullActionData) > 0 {
		empty = false
		ids := make([]string, 0, len(s.FullActionData))
		for id := range s.FullActionData {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			rec := s.FullActionData[id]
			tool := "unknown tool"
			if name, ok := rec.Plan["tool_name"].(string); ok && name != "" {
				tool = name
			}
			fmt.Fprintf(&b, "- ${%s} (output of %s)\n", id, tool)
		}
	}

	if empty {
		return "Available data references: none\n"
	}
	return b.String()
}
