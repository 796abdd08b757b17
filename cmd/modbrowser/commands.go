package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ippclub/modbrowser/internal/catalog"
	"github.com/ippclub/modbrowser/internal/install"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/service"
	"github.com/ippclub/modbrowser/internal/view"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// waitLoaded waits for the first index load. A failed load leaves the
// installed mods usable.
func (s *session) waitLoaded(ctx context.Context) error {
	if err := s.svc.WaitLoaded(ctx); err != nil {
		return err
	}
	var (
		state  catalog.State
		status string
	)
	err := s.svc.Call(ctx, func() {
		state = s.svc.Catalog.State()
		status = s.svc.Catalog.Status()
	})
	if err != nil {
		return err
	}
	if state != catalog.Loaded {
		s.log.Warn("remote catalog unavailable, showing installed mods only", zap.String("status", status))
	}
	return nil
}

type listOptions struct {
	tab      string
	query    string
	filter   string
	sort     string
	page     int
	pageSize int
	json     bool
}

func newListCmd() *cobra.Command {
	var opts listOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mods from the index or the local install",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.tab, "tab", "browse", "enabled, disabled or browse")
	cmd.Flags().StringVarP(&opts.query, "query", "q", "", "case-insensitive search text")
	cmd.Flags().StringVar(&opts.filter, "filter", "all", "all, primary, script or server")
	cmd.Flags().StringVar(&opts.sort, "sort", "recent", "recent or stars")
	cmd.Flags().IntVar(&opts.page, "page", 0, "zero-based page index")
	cmd.Flags().IntVar(&opts.pageSize, "page-size", 0, "items per page (default from settings)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON")
	return cmd
}

func (o listOptions) state(defaultPageSize int) (view.State, error) {
	tab, err := view.ParseTab(o.tab)
	if err != nil {
		return view.State{}, err
	}
	filter, err := view.ParseFilter(o.filter)
	if err != nil {
		return view.State{}, err
	}
	sort, err := view.ParseSort(o.sort)
	if err != nil {
		return view.State{}, err
	}

	size := o.pageSize
	if size <= 0 {
		size = defaultPageSize
	}
	st := view.NewState(size)
	st.SetTab(tab)
	st.SetQuery(o.query)
	st.SetFilter(filter)
	st.SetSort(sort)
	st.SetPage(o.page)
	return st, nil
}

func runList(ctx context.Context, out io.Writer, opts listOptions) error {
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	st, err := opts.state(s.svc.PageSize())
	if err != nil {
		return err
	}
	if err := s.waitLoaded(ctx); err != nil {
		return err
	}

	var page view.Page
	if err := s.svc.Call(ctx, func() { page = s.svc.View(st) }); err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(page)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tNAME\tSTARS\tVERIFIED\tINSTALLED\tUPDATED")
	for _, rec := range page.Items {
		installed := "-"
		if rec.Installed {
			installed = rec.InstalledVersion
			if installed == "" {
				installed = "yes"
			}
			if !rec.Enabled {
				installed += " (disabled)"
			}
		}
		updated := "-"
		if !rec.LastUpdated.IsZero() {
			updated = rec.LastUpdated.Format("2006-01-02")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			orDash(rec.Repo), rec.DisplayName, rec.Stars, yesNo(rec.Verified), installed, updated)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "page %d/%d, %d mods\n", page.Page+1, max(page.PageCount, 1), page.Total)
	return nil
}

func newInstallCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "install <owner/repo>",
		Short: "Install or update a mod from its latest release",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runInstall(ctx, cmd.OutOrStdout(), args[0])
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Minute, "give up after this long")
	return cmd
}

type installReply struct {
	res install.Result
	err error
}

func runInstall(ctx context.Context, out io.Writer, repo string) error {
	repo = strings.Trim(strings.TrimSpace(repo), "/")
	if strings.Count(repo, "/") != 1 {
		return fmt.Errorf("expected owner/repo, got %q", repo)
	}

	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitLoaded(ctx); err != nil {
		return err
	}

	reply, err := service.Await(ctx, s.svc, func(done func(installReply)) {
		rec, ok := s.svc.Catalog.Find(repo)
		if !ok {
			// Not in the index; install straight from the repository.
			rec = model.PackageRecord{Repo: repo, Name: repo[strings.Index(repo, "/")+1:]}
		}
		s.svc.Install(rec, func(res install.Result, err error) {
			done(installReply{res, err})
		})
	})
	if err != nil {
		return err
	}
	if reply.err != nil {
		return reply.err
	}

	version := reply.res.Version
	if version == "" {
		version = "source"
	}
	fmt.Fprintf(out, "installed %s (%s) into %s, %d files\n", reply.res.Repo, version, reply.res.Dir, reply.res.Files)
	fmt.Fprintln(out, "restart the game to apply")
	return nil
}

type updateRow struct {
	repo      string
	installed string
	latest    string
	known     bool
}

func newUpdatesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "updates",
		Short: "Check installed mods for newer releases",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUpdates(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

func runUpdates(ctx context.Context, out io.Writer) error {
	s, err := openSession(ctx, true)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.waitLoaded(ctx); err != nil {
		return err
	}

	rows, err := service.Await(ctx, s.svc, func(done func([]updateRow)) {
		src := s.svc.Catalog.Sources()
		var installed []model.PackageRecord
		for _, rec := range append(src.Enabled, src.Disabled...) {
			if rec.Repo != "" {
				installed = append(installed, rec)
			}
		}

		rows := make([]updateRow, len(installed))
		remaining := len(installed)
		if remaining == 0 {
			done(rows)
			return
		}
		for i, rec := range installed {
			s.svc.Updates.LatestTag(rec.Repo, func(tag string, known bool) {
				rows[i] = updateRow{repo: rec.Repo, installed: rec.InstalledVersion, latest: tag, known: known}
				remaining--
				if remaining == 0 {
					done(rows)
				}
			})
		}
	})
	if err != nil {
		return err
	}

	if len(rows) == 0 {
		fmt.Fprintln(out, "no installed mods with a known repository")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "REPO\tINSTALLED\tLATEST\tSTATUS")
	for _, row := range rows {
		status := "up to date"
		switch {
		case !row.known:
			status = "unknown"
		case row.latest != "" && row.latest != row.installed:
			status = "update available"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", row.repo, orDash(row.installed), orDash(row.latest), status)
	}
	return tw.Flush()
}

func newToggleCmd(name string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <mod>",
		Short: strings.ToUpper(name[:1]) + name[1:] + " an installed mod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, true)
			if err != nil {
				return err
			}
			defer s.Close()

			var setErr error
			if err := s.svc.Call(ctx, func() { setErr = s.svc.SetEnabled(args[0], enabled) }); err != nil {
				return err
			}
			if setErr != nil {
				return setErr
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%sd %s, restart the game to apply\n", name, args[0])
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
