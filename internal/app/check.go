package app

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/jimlawless/whereami"
	"github.com/leyvacars/similarity-api/internal/domain"
)

// Check verifies connectivity and model loading by running one full index build.
// It writes a short report to w and fails when nothing could be indexed.
func (a *App) Check(ctx context.Context, w io.Writer) error {
	fmt.Fprintf(w, "source mode:   %s\n", a.cfg.Source.Mode)
	if a.store != nil {
		if err := a.source.Ping(ctx); err != nil {
			fmt.Fprintf(w, "catalog store: unreachable (%v)\n", err)
		} else {
			fmt.Fprintf(w, "catalog store: connected (project %s, collection %s)\n", a.cfg.Source.ProjectID, a.cfg.Source.Collection)
		}
	} else if err := a.source.LastError(); err != nil {
		fmt.Fprintf(w, "catalog store: unavailable (%v)\n", err)
	} else {
		fmt.Fprintln(w, "catalog store: not configured")
	}
	fmt.Fprintf(w, "model:         %s (%s)\n", a.embeddings.Model(), a.cfg.Embedding.Provider)
	fmt.Fprintf(w, "cache:         %s\n", a.cfg.Cache.Type)

	res, err := a.service.Refresh(ctx, true)
	if err != nil {
		return fmt.Errorf("%s: %w", whereami.WhereAmI(), err)
	}

	status := a.service.Status()
	fmt.Fprintf(w, "served from:   %s\n", res.SourceMode)
	fmt.Fprintf(w, "catalog:       %d active products\n", res.Catalog)
	fmt.Fprintf(w, "indexed:       %d products, %d dimensions, %s metric\n", res.Report.Indexed, status.Dimensions, status.Metric)
	fmt.Fprintf(w, "skipped:       %d ineligible, %d duplicate ids\n", res.Report.Skipped, res.Report.Duplicates)

	kinds := make([]string, 0, len(res.Report.Failures))
	for kind := range res.Report.Failures {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		fmt.Fprintf(w, "failed:        %d %s\n", res.Report.Failures[kind], kind)
	}
	fmt.Fprintf(w, "build time:    %s\n", res.Report.Duration.Round(time.Millisecond))

	if res.Report.Eligible > 0 && res.Report.Indexed == 0 {
		return fmt.Errorf("%s: %w: no product could be indexed", whereami.WhereAmI(), domain.ErrEmbedding)
	}
	return nil
}
