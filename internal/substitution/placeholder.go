package substitution

import (
	"regexp"
	"sort"

	"github.com/pitabwire/comfyflow/model"
)

// placeholderPattern matches a single {{identifier}} token. Identifiers are
// Unicode letters, digits and underscores. There is no nesting and no
// expression syntax.
var placeholderPattern = regexp.MustCompile(`\{\{([\p{L}\p{N}_]+)\}\}`)

func wholePlaceholder(s string) (string, bool) {
	loc := placeholderPattern.FindStringSubmatchIndex(s)
	if loc == nil || loc[0] != 0 || loc[1] != len(s) {
		return "", false
	}
	return s[loc[2]:loc[3]], true
}

// Placeholders returns the sorted, de-duplicated parameter names referenced
// anywhere in the template's nodes.
func Placeholders(t *model.Template) []string {
	return collect(t.Nodes)
}

// Unresolved returns the placeholder names still present in g.
func Unresolved(g *model.RequestGraph) []string {
	return collect(g.Nodes)
}

func collect(nodes map[string]model.RequestNode) []string {
	seen := make(map[string]struct{})
	for _, n := range nodes {
		collectValue(model.MapValue(n.Inputs), seen)
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func collectValue(v model.Value, seen map[string]struct{}) {
	switch v.Kind() {
	case model.KindString:
		s, _ := v.AsString()
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			seen[m[1]] = struct{}{}
		}
	case model.KindReference:
		ref, _ := v.AsReference()
		collectValue(model.String(ref.NodeID), seen)
	case model.KindList:
		for _, item := range v.Items() {
			collectValue(item, seen)
		}
	case model.KindMap:
		m, _ := v.AsMap()
		m.Range(func(_ string, item model.Value) bool {
			collectValue(item, seen)
			return true
		})
	}
}
