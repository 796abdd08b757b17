package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/ippclub/modbrowser/internal/view"
)

func TestListOptionsState(t *testing.T) {
	st, err := listOptions{tab: "disabled", filter: "server", sort: "stars", page: 2}.state(15)
	if err != nil {
		t.Fatal(err)
	}
	if st.Tab() != view.TabDisabled || st.Filter() != view.FilterServer || st.Sort() != view.SortStars {
		t.Errorf("state = %v/%v/%v", st.Tab(), st.Filter(), st.Sort())
	}
	if st.Page() != 2 || st.PageSize() != 15 {
		t.Errorf("page = %d, size = %d", st.Page(), st.PageSize())
	}

	for _, o := range []listOptions{{tab: "all"}, {filter: "gpu"}, {sort: "name"}} {
		if _, err := o.state(10); err == nil {
			t.Errorf("%+v: expected error", o)
		}
	}
}

func TestInstallRejectsMalformedRepo(t *testing.T) {
	for _, arg := range []string{"noslash", "a/b/c", "/"} {
		err := runInstall(context.Background(), &bytes.Buffer{}, arg)
		if err == nil || !strings.Contains(err.Error(), "owner/repo") {
			t.Errorf("%q: err = %v", arg, err)
		}
	}
}

func TestRootRegistersCommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "list", "install", "updates", "enable", "disable"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}
