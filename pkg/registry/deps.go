package registry

import (
	"net/http"
	"strings"

	"github.com/xpkg-net/registry/pkg/httputil"
	"github.com/xpkg-net/registry/pkg/validation"
	"github.com/xpkg-net/registry/pkg/versions"
)

// NormalizeDependencyLists validates and canonicalizes the dependency and
// incompatibility lists of an upload. Ids are lower-cased and prefixed with
// xpkg/ when bare; entries sharing an id collapse into one by joining their
// selections with a comma and re-normalizing; a package may not depend on
// itself or appear in both lists.
func NormalizeDependencyLists(selfID string, deps, incompatibilities []Dependency) ([]Dependency, []Dependency, error) {
	selfFull := validation.NormalizeFullID(selfID)

	normDeps, err := normalizeList(selfFull, deps)
	if err != nil {
		return nil, nil, err
	}
	normInc, err := normalizeList(selfFull, incompatibilities)
	if err != nil {
		return nil, nil, err
	}

	seen := make(map[string]bool, len(normDeps))
	for _, d := range normDeps {
		seen[d.ID] = true
	}
	for _, inc := range normInc {
		if seen[inc.ID] {
			return nil, nil, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeDepOrSelfInc,
				"id appears in both dependencies and incompatibilities: "+inc.ID)
		}
	}
	return normDeps, normInc, nil
}

func normalizeList(selfFull string, list []Dependency) ([]Dependency, error) {
	merged := make(map[string]string, len(list))
	order := make([]string, 0, len(list))

	for _, entry := range list {
		if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.Selection) == "" {
			return nil, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeBadDepTuple, "empty id or selection")
		}
		full := validation.NormalizeFullID(entry.ID)
		if full == selfFull {
			return nil, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeSelfDep, "package references itself")
		}

		if prev, ok := merged[full]; ok {
			merged[full] = prev + "," + entry.Selection
		} else {
			merged[full] = entry.Selection
			order = append(order, full)
		}
	}

	out := make([]Dependency, 0, len(order))
	for _, id := range order {
		sel, err := versions.ParseSelection(merged[id])
		if err != nil {
			return nil, httputil.NewCodedError(http.StatusBadRequest, httputil.CodeInvalidDepSel,
				"invalid selection for "+id+": "+err.Error())
		}
		out = append(out, Dependency{ID: id, Selection: sel.String()})
	}
	return out, nil
}
