package cmd

import (
	"context"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zjrosen/strata/internal/app"
	"github.com/zjrosen/strata/internal/errs"
	"github.com/zjrosen/strata/internal/graph"
	"github.com/zjrosen/strata/internal/presentation"
	"github.com/zjrosen/strata/internal/search"
	"github.com/zjrosen/strata/internal/typedef"
)

var (
	searchType            string
	searchSubtypes        []string
	searchStatuses        []string
	searchClassifications []string
	searchAny             bool
	searchOrder           string
	searchSequencing      string
	searchOffset          int
	searchPageSize        int
	searchAsOf            string
	searchText            string
	searchRelationships   bool
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Find entities or relationships",
	Long: `Find instances whose properties satisfy a query:

  name = 'orders.*' and (recordCount >= 3 or not owner = 'x')
  format in ('csv', 'parquet') and description ~ 'pii'
  owner is not null

String comparands are regular expressions: = and != match the whole value,
~ and !~ anywhere in it. A blank query matches everything in scope.

--text searches every string property (nested arrays and maps included)
instead of a query. --classification requires a classification, optionally
with a query over its properties after a colon.

Examples:
  strata search "name = 'orders'" --type DataSet
  strata search --type Asset --classification 'Confidentiality:level >= 2'
  strata search --text pii --order LAST_UPDATE_RECENT --page-size 10
  strata search "description ~ 'nightly'" --relationships --type DataFlow`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	f := searchCmd.Flags()
	f.StringVarP(&searchType, "type", "t", "", "type to search, subtypes included")
	f.StringArrayVar(&searchSubtypes, "subtype", nil, "narrow --type to this subtype (repeatable)")
	f.StringArrayVar(&searchStatuses, "status", nil, "status to include (repeatable; default all but DELETED)")
	f.StringArrayVar(&searchClassifications, "classification", nil, "required classification, as Name or 'Name:query' (repeatable)")
	f.BoolVar(&searchAny, "any", false, "match any --classification instead of all")
	f.StringVar(&searchOrder, "order", "", "sequencing order, e.g. GUID, LAST_UPDATE_RECENT, PROPERTY_DESCENDING")
	f.StringVar(&searchSequencing, "sequencing", "", "property that PROPERTY_* orders sort by")
	f.IntVar(&searchOffset, "offset", 0, "results to skip")
	f.IntVar(&searchPageSize, "page-size", 0, "maximum results (0 for all, up to search.max_page_size)")
	f.StringVar(&searchAsOf, "as-of", "", "search the repository as it was at this time")
	f.StringVar(&searchText, "text", "", "regular expression matched against every string property")
	f.BoolVarP(&searchRelationships, "relationships", "r", false, "search relationships instead of entities")
}

func runSearch(cmd *cobra.Command, args []string) error {
	var query string
	if len(args) == 1 {
		query = args[0]
	}
	if query != "" && searchText != "" {
		return errs.Invalid("--text and a query cannot be combined")
	}
	match, err := search.Parse(query)
	if err != nil {
		return err
	}
	window, err := searchWindow()
	if err != nil {
		return err
	}

	return withApp(cmd, func(ctx context.Context, a *app.App, f *presentation.Formatter) error {
		subtypes, err := resolveGUIDs(a.Types(), searchSubtypes)
		if err != nil {
			return err
		}

		if searchRelationships {
			if len(searchClassifications) > 0 {
				return errs.Invalid("--classification does not apply to relationships")
			}
			rels, err := findRelationships(ctx, a.Search(), match, subtypes, window)
			if err != nil {
				return err
			}
			return f.FormatRelationships(presentation.FromRelationships(rels))
		}

		var names []string
		classes, err := classificationMatch()
		if err != nil {
			return err
		}
		if classes != nil {
			for _, c := range classes.Conditions {
				names = append(names, c.Name)
			}
		}

		if searchText != "" {
			if classes != nil && hasConditions(classes) {
				return errs.Invalid("--classification takes names only with --text")
			}
			found, err := a.Search().FindEntitiesByPropertyValue(ctx, search.ValueQuery{
				TypeGUID:               searchType,
				Pattern:                searchText,
				LimitToClassifications: names,
				Window:                 window,
			})
			if err != nil {
				return err
			}
			return f.FormatEntities(presentation.FromEntities(found))
		}

		found, err := a.Search().FindEntities(ctx, search.EntityQuery{
			TypeGUID:        searchType,
			SubtypeGUIDs:    subtypes,
			Match:           match,
			Classifications: classes,
			Window:          window,
		})
		if err != nil {
			return err
		}
		return f.FormatEntities(presentation.FromEntities(found))
	})
}

func findRelationships(ctx context.Context, s *search.Engine, match search.Condition, subtypes []string, w search.Window) ([]*graph.Relationship, error) {
	if searchText != "" {
		return s.FindRelationshipsByPropertyValue(ctx, search.ValueQuery{TypeGUID: searchType, Pattern: searchText, Window: w})
	}
	return s.FindRelationships(ctx, search.RelationshipQuery{
		TypeGUID:     searchType,
		SubtypeGUIDs: subtypes,
		Match:        match,
		Window:       w,
	})
}

func searchWindow() (search.Window, error) {
	statuses, err := parseStatuses(searchStatuses)
	if err != nil {
		return search.Window{}, err
	}
	asOf, err := parseTime("as-of", searchAsOf)
	if err != nil {
		return search.Window{}, err
	}
	return search.Window{
		Statuses:           statuses,
		AsOf:               asOf,
		SequencingProperty: searchSequencing,
		Order:              search.Order(strings.ToUpper(searchOrder)),
		Offset:             searchOffset,
		PageSize:           searchPageSize,
	}, nil
}

// classificationMatch parses --classification values of the form Name or
// Name:query.
func classificationMatch() (*search.ClassificationMatch, error) {
	if len(searchClassifications) == 0 {
		return nil, nil
	}
	m := &search.ClassificationMatch{Criteria: search.CriteriaAll}
	if searchAny {
		m.Criteria = search.CriteriaAny
	}
	for _, v := range searchClassifications {
		name, q, _ := strings.Cut(v, ":")
		cond, err := search.Parse(q)
		if err != nil {
			return nil, err
		}
		m.Conditions = append(m.Conditions, search.ClassificationCondition{Name: strings.TrimSpace(name), Match: cond})
	}
	return m, nil
}

func hasConditions(m *search.ClassificationMatch) bool {
	for _, c := range m.Conditions {
		if c.Match != nil {
			return true
		}
	}
	return false
}

func resolveGUIDs(reg *typedef.Registry, names []string) ([]string, error) {
	var out []string
	for _, n := range names {
		def, err := reg.Resolve(n)
		if err != nil {
			return nil, err
		}
		out = append(out, def.GUID)
	}
	return out, nil
}
