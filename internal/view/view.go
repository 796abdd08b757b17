// Package view derives the visible, paginated package list from the catalog
// sources and the user's view state. Build is a pure function.
package view

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ippclub/modbrowser/internal/model"
)

// Tab selects the source list.
type Tab int

const (
	TabEnabled Tab = iota
	TabDisabled
	TabBrowse
)

var tabNames = []string{"enabled", "disabled", "browse"}

func (t Tab) String() string {
	if int(t) < len(tabNames) && t >= 0 {
		return tabNames[t]
	}
	return fmt.Sprintf("Tab(%d)", int(t))
}

// Filter restricts the list by capability.
type Filter int

const (
	FilterAll Filter = iota
	FilterPrimary
	FilterScript
	FilterServer
)

var filterNames = []string{"all", "primary", "script", "server"}

func (f Filter) String() string {
	if int(f) < len(filterNames) && f >= 0 {
		return filterNames[f]
	}
	return fmt.Sprintf("Filter(%d)", int(f))
}

// Sort orders the browse tab.
type Sort int

const (
	SortRecent Sort = iota
	SortStars
)

var sortNames = []string{"recent", "stars"}

func (s Sort) String() string {
	if int(s) < len(sortNames) && s >= 0 {
		return sortNames[s]
	}
	return fmt.Sprintf("Sort(%d)", int(s))
}

func parseName(kind, v string, names []string) (int, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return 0, nil
	}
	for i, n := range names {
		if n == v {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown %s %q", kind, v)
}

// ParseTab parses a tab name. The empty string is the first tab.
func ParseTab(v string) (Tab, error) {
	i, err := parseName("tab", v, tabNames)
	return Tab(i), err
}

// ParseFilter parses a filter name.
func ParseFilter(v string) (Filter, error) {
	i, err := parseName("filter", v, filterNames)
	return Filter(i), err
}

// ParseSort parses a sort name.
func ParseSort(v string) (Sort, error) {
	i, err := parseName("sort", v, sortNames)
	return Sort(i), err
}

// State is the user's view selection. Changing anything but the page resets
// the page to 0.
type State struct {
	tab      Tab
	query    string
	filter   Filter
	sort     Sort
	page     int
	pageSize int
}

// NewState returns the initial state for pageSize items per page.
func NewState(pageSize int) State {
	if pageSize <= 0 {
		pageSize = 1
	}
	return State{pageSize: pageSize}
}

// Accessors.
func (s State) Tab() Tab { return s.tab }
func (s State) Query() string { return s.query }
func (s State) Filter() Filter { return s.filter }
func (s State) Sort() Sort { return s.sort }
func (s State) Page() int { return s.page }
func (s State) PageSize() int { return s.pageSize }

func (s *State) SetTab(t Tab) {
	s.tab = t
	s.page = 0
}

func (s *State) SetQuery(q string) {
	s.query = q
	s.page = 0
}

func (s *State) SetFilter(f Filter) {
	s.filter = f
	s.page = 0
}

func (s *State) SetSort(o Sort) {
	s.sort = o
	s.page = 0
}

func (s *State) SetPageSize(n int) {
	if n <= 0 {
		n = 1
	}
	s.pageSize = n
	s.page = 0
}

// SetPage only changes which slice is shown.
func (s *State) SetPage(p int) {
	s.page = p
}

// Sources are the three lists the view selects from.
type Sources struct {
	Enabled  []model.PackageRecord
	Disabled []model.PackageRecord
	Remote   []model.PackageRecord
}

// Page is one rendered slice of the view.
type Page struct {
	Items     []model.PackageRecord `json:"items"`
	Page      int                   `json:"page"`
	PageCount int                   `json:"pageCount"`
	Total     int                   `json:"total"`
}

// Build selects, searches, filters, sorts and slices. Inputs are not
// modified and the result shares no memory with them.
func Build(src Sources, st State) Page {
	var list []model.PackageRecord
	switch st.tab {
	case TabEnabled:
		list = src.Enabled
	case TabDisabled:
		list = src.Disabled
	default:
		list = src.Remote
	}

	query := strings.ToLower(strings.TrimSpace(st.query))
	items := make([]model.PackageRecord, 0, len(list))
	for _, rec := range list {
		if !matches(rec, query) || !passes(rec, st.filter) {
			continue
		}
		items = append(items, rec)
	}

	if st.tab == TabBrowse {
		sortRecords(items, st.sort)
	}

	pageSize := st.pageSize
	if pageSize <= 0 {
		pageSize = 1
	}
	total := len(items)
	pageCount := (total + pageSize - 1) / pageSize

	page := st.page
	if page >= pageCount {
		page = pageCount - 1
	}
	if page < 0 {
		page = 0
	}

	start := page * pageSize
	end := start + pageSize
	if end > total {
		end = total
	}

	return Page{
		Items:     append([]model.PackageRecord{}, items[start:end]...),
		Page:      page,
		PageCount: pageCount,
		Total:     total,
	}
}

func matches(rec model.PackageRecord, query string) bool {
	if query == "" {
		return true
	}
	for _, field := range []string{rec.Name, rec.DisplayName, rec.Author, rec.Description} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

func passes(rec model.PackageRecord, f Filter) bool {
	switch f {
	case FilterPrimary:
		return rec.Capabilities.UsesPrimaryRuntime
	case FilterScript:
		return rec.Capabilities.UsesScriptRuntime
	case FilterServer:
		return rec.Capabilities.ServerCompatible
	default:
		return true
	}
}

// sortRecords orders by the chosen key, descending. Ties fall back to the
// identity so the order never depends on the input order.
func sortRecords(items []model.PackageRecord, by Sort) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch by {
		case SortStars:
			if a.Stars != b.Stars {
				return a.Stars > b.Stars
			}
		default:
			if !a.LastUpdated.Equal(b.LastUpdated) {
				return a.LastUpdated.After(b.LastUpdated)
			}
		}
		if ka, kb := a.Key(), b.Key(); ka != kb {
			return ka < kb
		}
		return a.Name < b.Name
	})
}
