package handler

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ippclub/modbrowser/internal/credential"
	"github.com/ippclub/modbrowser/internal/install"
	"github.com/ippclub/modbrowser/internal/model"
	"github.com/ippclub/modbrowser/internal/service"
	"github.com/ippclub/modbrowser/internal/store"
	"github.com/ippclub/modbrowser/internal/view"
	"go.uber.org/zap"
)

// jobLimit bounds the finished jobs kept for polling.
const jobLimit = 100

// API handles HTTP requests
type API struct {
	svc         *service.Service
	logger      *zap.Logger
	rateLimiter *RateLimiter
	jobs        *jobTable
	// wait bounds how long a request waits for loop work and upstream calls.
	wait time.Duration
}

// NewAPI creates a new API instance
func NewAPI(svc *service.Service, logger *zap.Logger) *API {
	cfg := svc.Config
	return &API{
		svc:         svc,
		logger:      logger,
		rateLimiter: NewRateLimiter(float64(cfg.RateLimit.RPS), cfg.RateLimit.Burst),
		jobs:        newJobTable(jobLimit),
		wait:        2*cfg.Timeouts.API + 5*time.Second,
	}
}

// Close releases the rate limiter
func (a *API) Close() {
	a.rateLimiter.Close()
}

// RegisterRoutes registers the API routes
func (a *API) RegisterRoutes(r chi.Router) {
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(SecureHeaders)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.rateLimiter.RateLimit)
		r.Get("/packages", a.listPackages)
		r.Route("/packages/{owner}/{repo}", func(r chi.Router) {
			r.Get("/", a.getPackage)
			r.Get("/stats", a.getStats)
			r.Get("/update", a.getUpdate)
			r.Get("/icon", a.getIcon)
			r.Post("/install", a.installPackage)
			r.Post("/enable", a.setEnabled(true))
			r.Post("/disable", a.setEnabled(false))
		})
		r.Get("/jobs/{id}", a.getJob)
		r.Get("/installs", a.listInstalls)
		r.Get("/status", a.getStatus)
	})

	// Admin routes (localhost only)
	r.Route("/admin", func(r chi.Router) {
		r.Use(LocalOnly)
		r.Post("/reload", a.triggerReload)
		r.Post("/settings", a.updateSettings)
	})
}

func (a *API) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), a.wait)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loopError maps a failed hand-off to the consumer loop.
func (a *API) loopError(w http.ResponseWriter, err error) {
	a.logger.Warn("request abandoned", zap.Error(err))
	writeError(w, http.StatusGatewayTimeout, "timed out waiting for catalog")
}

func repoParam(r *http.Request) string {
	return chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")
}

// findRecord looks repo up on the loop.
func (a *API) findRecord(ctx context.Context, repo string) (model.PackageRecord, bool, error) {
	var (
		rec model.PackageRecord
		ok  bool
	)
	err := a.svc.Call(ctx, func() {
		rec, ok = a.svc.Catalog.Find(repo)
	})
	return rec, ok, err
}

// viewState builds a view state from query parameters. Without a tab the
// remote catalog is shown.
func (a *API) viewState(r *http.Request) (view.State, error) {
	q := r.URL.Query()

	pageSize := a.svc.PageSize()
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return view.State{}, errors.New("invalid page_size")
		}
		pageSize = n
	}
	st := view.NewState(pageSize)

	tab := view.TabBrowse
	if v := q.Get("tab"); v != "" {
		t, err := view.ParseTab(v)
		if err != nil {
			return view.State{}, err
		}
		tab = t
	}
	filter, err := view.ParseFilter(q.Get("filter"))
	if err != nil {
		return view.State{}, err
	}
	sort, err := view.ParseSort(q.Get("sort"))
	if err != nil {
		return view.State{}, err
	}

	st.SetTab(tab)
	st.SetQuery(q.Get("q"))
	st.SetFilter(filter)
	st.SetSort(sort)

	if v := q.Get("page"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return view.State{}, errors.New("invalid page")
		}
		st.SetPage(p)
	}
	return st, nil
}

// listPackages returns one page of the selected view
func (a *API) listPackages(w http.ResponseWriter, r *http.Request) {
	st, err := a.viewState(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := a.requestContext(r)
	defer cancel()

	var (
		page   view.Page
		state  string
		status string
	)
	err = a.svc.Call(ctx, func() {
		page = a.svc.View(st)
		state = a.svc.Catalog.State().String()
		status = a.svc.Catalog.Status()
	})
	if err != nil {
		a.loopError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		view.Page
		Tab    string `json:"tab"`
		State  string `json:"state"`
		Status string `json:"status"`
	}{page, st.Tab().String(), state, status})
}

// getPackage returns one record
func (a *API) getPackage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	rec, ok, err := a.findRecord(ctx, repoParam(r))
	if err != nil {
		a.loopError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type statsReply struct {
	stats model.PackageStats
	err   error
}

// getStats returns repository statistics, fetching them on first use
func (a *API) getStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	repo := repoParam(r)
	reply, err := service.Await(ctx, a.svc, func(done func(statsReply)) {
		a.svc.Stats.LoadStats(repo, func(s model.PackageStats, err error) {
			done(statsReply{s, err})
		})
	})
	if err != nil {
		a.loopError(w, err)
		return
	}
	if reply.err != nil {
		a.logger.Warn("failed to load stats", zap.String("repo", repo), zap.Error(reply.err))
		writeError(w, http.StatusBadGateway, "statistics unavailable")
		return
	}
	writeJSON(w, http.StatusOK, reply.stats)
}

type updateReply struct {
	Repo             string `json:"repo"`
	InstalledVersion string `json:"installedVersion"`
	LatestTag        string `json:"latestTag"`
	HasUpdate        bool   `json:"hasUpdate"`
	Known            bool   `json:"known"`
}

// getUpdate reports whether an installed package has a newer release
func (a *API) getUpdate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	repo := repoParam(r)
	rec, ok, err := a.findRecord(ctx, repo)
	if err != nil {
		a.loopError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "package not found")
		return
	}

	reply, err := service.Await(ctx, a.svc, func(done func(updateReply)) {
		a.svc.Updates.LatestTag(rec.Repo, func(tag string, known bool) {
			reply := updateReply{
				Repo:             rec.Repo,
				InstalledVersion: rec.InstalledVersion,
				LatestTag:        tag,
				Known:            known,
			}
			if !known || !rec.Installed {
				done(reply)
				return
			}
			// The tag is memoized now, so this answers immediately.
			a.svc.Updates.HasUpdate(rec, func(has bool) {
				reply.HasUpdate = has
				done(reply)
			})
		})
	})
	if err != nil {
		a.loopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// getIcon serves the cached icon as PNG
func (a *API) getIcon(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var (
		img image.Image
		ok  bool
	)
	repo := repoParam(r)
	err := a.svc.Call(ctx, func() {
		img, ok = a.svc.Catalog.Icon(repo)
	})
	if err != nil {
		a.loopError(w, err)
		return
	}
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := imaging.Encode(w, img, imaging.PNG); err != nil {
		a.logger.Error("failed to encode icon", zap.String("repo", repo), zap.Error(err))
	}
}

// installPackage starts an install job and returns immediately
func (a *API) installPackage(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	repo := repoParam(r)
	var (
		job    Job
		found  bool
		active bool
	)
	err := a.svc.Call(ctx, func() {
		rec, ok := a.svc.Catalog.Find(repo)
		if !ok {
			return
		}
		found = true
		if a.svc.Installer.Active(rec.Repo) {
			active = true
			return
		}
		job = a.jobs.start(rec.Repo)
		id := job.ID
		a.svc.Install(rec, func(res install.Result, err error) {
			a.jobs.finish(id, res, err)
		})
	})
	switch {
	case err != nil:
		a.loopError(w, err)
	case !found:
		writeError(w, http.StatusNotFound, "package not found")
	case active:
		writeError(w, http.StatusConflict, install.ErrInProgress.Error())
	default:
		a.logger.Info("install job started", zap.String("job", job.ID), zap.String("repo", job.Repo))
		w.Header().Set("Location", "/api/v1/jobs/"+job.ID)
		writeJSON(w, http.StatusAccepted, job)
	}
}

// setEnabled toggles an installed package
func (a *API) setEnabled(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := a.requestContext(r)
		defer cancel()

		var (
			rec      model.PackageRecord
			found    bool
			setErr   error
			restart  bool
			response model.PackageRecord
		)
		err := a.svc.Call(ctx, func() {
			rec, found = a.svc.Catalog.Find(repoParam(r))
			if !found || !rec.Installed {
				return
			}
			setErr = a.svc.SetEnabled(rec.InstallName(), enabled)
			restart = a.svc.Runtime.RestartPending()
			response, _ = a.svc.Catalog.Find(rec.Repo)
		})
		switch {
		case err != nil:
			a.loopError(w, err)
		case !found:
			writeError(w, http.StatusNotFound, "package not found")
		case !rec.Installed:
			writeError(w, http.StatusConflict, "package is not installed")
		case setErr != nil:
			a.logger.Error("failed to toggle package", zap.String("repo", rec.Repo), zap.Error(setErr))
			writeError(w, http.StatusInternalServerError, setErr.Error())
		default:
			writeJSON(w, http.StatusOK, struct {
				model.PackageRecord
				RestartPending bool `json:"restartPending"`
			}{response, restart})
		}
	}
}

// getJob returns an install job
func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := a.jobs.get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// listInstalls returns the install history, newest first
func (a *API) listInstalls(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	installs, err := a.svc.Store.ListInstalls(r.URL.Query().Get("repo"), limit)
	if err != nil {
		a.logger.Error("failed to list installs", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if installs == nil {
		installs = []*model.DBInstall{}
	}
	writeJSON(w, http.StatusOK, installs)
}

type statusReply struct {
	State          string              `json:"state"`
	Status         string              `json:"status"`
	Remote         int                 `json:"remote"`
	Enabled        int                 `json:"enabled"`
	Disabled       int                 `json:"disabled"`
	RestartPending bool                `json:"restartPending"`
	Credentials    []credential.Status `json:"credentials"`
	CachedIcons    int                 `json:"cachedIcons"`
	CachedStats    int                 `json:"cachedStats"`
}

// getStatus reports catalog and credential state
func (a *API) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := a.requestContext(r)
	defer cancel()

	var reply statusReply
	err := a.svc.Call(ctx, func() {
		src := a.svc.Catalog.Sources()
		reply = statusReply{
			State:          a.svc.Catalog.State().String(),
			Status:         a.svc.Catalog.Status(),
			Remote:         len(src.Remote),
			Enabled:        len(src.Enabled),
			Disabled:       len(src.Disabled),
			RestartPending: a.svc.Runtime.RestartPending(),
			Credentials:    a.svc.Pool.Snapshot(),
			CachedIcons:    a.svc.Caches.Icons.Len(),
			CachedStats:    a.svc.Caches.Stats.Len(),
		}
	})
	if err != nil {
		a.loopError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}

// triggerReload clears caches and reloads the catalog
func (a *API) triggerReload(w http.ResponseWriter, r *http.Request) {
	a.logger.Info("manual reload triggered")
	a.svc.Loop.Post(a.svc.Reload)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":  "reload started",
		"message": "Catalog caches were cleared and the index is being fetched again",
	})
}

type settingsRequest struct {
	PageSize      *int `json:"page_size"`
	VerifiedStars *int `json:"verified_stars"`
}

// updateSettings persists tunables. A new verification threshold reloads
// the catalog.
func (a *API) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid settings: "+strings.TrimPrefix(err.Error(), "json: "))
		return
	}
	if req.PageSize != nil && *req.PageSize <= 0 {
		writeError(w, http.StatusBadRequest, "page_size must be positive")
		return
	}
	if req.VerifiedStars != nil && *req.VerifiedStars < 0 {
		writeError(w, http.StatusBadRequest, "verified_stars must not be negative")
		return
	}

	if req.PageSize != nil {
		a.svc.Store.Put(store.KeyPageSize, strconv.Itoa(*req.PageSize))
	}
	if req.VerifiedStars != nil {
		a.svc.Store.Put(store.KeyVerifiedStars, strconv.Itoa(*req.VerifiedStars))
	}
	if err := a.svc.Store.Save(); err != nil {
		a.logger.Error("failed to save settings", zap.Error(err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if req.VerifiedStars != nil {
		a.svc.Loop.Post(a.svc.Reload)
	}

	writeJSON(w, http.StatusOK, map[string]int{
		"page_size":      a.svc.PageSize(),
		"verified_stars": a.svc.Store.GetInt(store.KeyVerifiedStars, a.svc.Config.Catalog.VerifiedStars),
	})
}
