// Package icon discovers a repository's icon by trying a fixed sequence of
// branch and file name guesses against the raw content host.
package icon

import (
	"bytes"
	"fmt"
	"image"
	"strings"

	// Register decoders used by imaging.Decode.
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/ippclub/modbrowser/internal/cache"
	"github.com/ippclub/modbrowser/internal/request"
	"go.uber.org/zap"
)

// Candidate is one branch/file guess.
type Candidate struct {
	Branch string
	File   string
}

// Sequence is tried in order until one candidate yields a decodable image.
var Sequence = []Candidate{
	{Branch: "master", File: "icon.png"},
	{Branch: "main", File: "icon.png"},
	{Branch: "main", File: "icon.jpg"},
	{Branch: "main", File: "icon.jpeg"},
}

// Fetcher resolves icons through the orchestrator.
type Fetcher struct {
	getter  request.Getter
	rawBase string
	size    int
	logger  *zap.Logger
}

// NewFetcher creates a Fetcher. Decoded icons are fitted into a size x size
// box; size <= 0 keeps the original dimensions.
func NewFetcher(getter request.Getter, rawBase string, size int, logger *zap.Logger) *Fetcher {
	return &Fetcher{
		getter:  getter,
		rawBase: strings.TrimSuffix(rawBase, "/"),
		size:    size,
		logger:  logger,
	}
}

// URL returns the static content URL for one candidate.
func (f *Fetcher) URL(repo string, c Candidate) string {
	return fmt.Sprintf("%s/%s/%s/%s", f.rawBase, repo, c.Branch, c.File)
}

// Resolve walks Sequence for repo. done receives the first decoded icon, or
// ok=false once every candidate failed.
func (f *Fetcher) Resolve(repo string, done func(img image.Image, ok bool)) {
	r := &resolution{fetcher: f, repo: repo, done: done}
	r.attempt()
}

// Fill resolves repo's icon into icons unless it is cached or already being
// fetched. done, if not nil, runs when the resolution ends.
func (f *Fetcher) Fill(repo string, icons *cache.Icons, guard *cache.Guard, done func()) {
	if repo == "" {
		return
	}
	if _, ok := icons.Get(repo); ok {
		return
	}
	if !guard.Acquire(repo) {
		return
	}
	f.Resolve(repo, func(img image.Image, ok bool) {
		if ok {
			icons.PutRemote(repo, img)
		}
		if done != nil {
			done()
		}
	})
}

func (f *Fetcher) decode(body []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if f.size > 0 {
		b := img.Bounds()
		if b.Dx() > f.size || b.Dy() > f.size {
			img = imaging.Fit(img, f.size, f.size, imaging.Lanczos)
		}
	}
	return img, nil
}

// resolution is the state of one pending icon lookup. step only moves
// forward, so no candidate is tried twice.
type resolution struct {
	fetcher *Fetcher
	repo    string
	step    int
	done    func(image.Image, bool)
}

func (r *resolution) attempt() {
	if r.step >= len(Sequence) {
		r.fetcher.logger.Debug("no icon found", zap.String("repo", r.repo))
		r.done(nil, false)
		return
	}

	url := r.fetcher.URL(r.repo, Sequence[r.step])
	r.fetcher.getter.Get(url,
		func(body []byte) {
			img, err := r.fetcher.decode(body)
			if err != nil {
				r.fetcher.logger.Debug("icon decode failed", zap.String("url", url), zap.Error(err))
				r.advance()
				return
			}
			r.done(img, true)
		},
		func(error) {
			r.advance()
		},
	)
}

func (r *resolution) advance() {
	r.step++
	r.attempt()
}
