package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/color"

	"sdforge/core"
	"sdforge/db"
)

// HistoryCmd lists generations recorded in the history database.
type HistoryCmd struct {
	Limit   int    `default:"20" help:"Number of records to show."`
	Request string `help:"Only show the images of this request ID." placeholder:"ID"`
	Digest  string `help:"Only show images with this pixel digest (finds reproductions of a seeded run)." placeholder:"HEX"`
}

func (h *HistoryCmd) Run(a *app) error {
	if a.cfg.HistoryDB == "" {
		return core.ErrInvalidValue("SDFORGE_HISTORY_DB", "", "set --history-db or SDFORGE_HISTORY_DB to use the history")
	}

	ctx := a.shutdown.Context()
	history, err := db.Open(ctx, a.cfg.HistoryDB)
	if err != nil {
		return err
	}
	a.shutdown.Register("history", 20, func(context.Context) error { return history.Close() })

	repo := db.NewRepository(history)
	var records []db.GenerationRecord
	switch {
	case h.Request != "":
		records, err = repo.ListByRequest(ctx, h.Request)
	case h.Digest != "":
		records, err = repo.FindByDigest(ctx, h.Digest)
	default:
		records, err = repo.ListRecent(ctx, h.Limit)
	}
	if err != nil {
		return err
	}

	counts, err := repo.CountByStatus(ctx)
	if err != nil {
		return err
	}

	printHistory(a, records, counts)
	return nil
}

func printHistory(a *app, records []db.GenerationRecord, counts map[string]int64) {
	w := a.stdout
	dim := color.New(color.FgHiBlack)
	fail := color.New(color.FgRed)

	if len(records) == 0 {
		dim.Fprintln(w, "no recorded generations")
	}
	for _, rec := range records {
		seed := "random"
		if rec.Seed != nil {
			seed = fmt.Sprint(*rec.Seed)
		}
		fmt.Fprintf(w, "%s  %s #%d  %dx%d  steps %d  cfg %g  seed %s  %s\n",
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			shortID(rec.RequestID), rec.ImageIndex,
			rec.Width, rec.Height, rec.Steps, rec.Guidance, seed, rec.ModelID,
		)
		if rec.Status == db.StatusPersistFailed {
			fail.Fprintf(w, "    not saved: %s\n", rec.ErrorMessage)
		} else {
			fmt.Fprintf(w, "    %s\n", rec.Path)
		}
		dim.Fprintf(w, "    %q\n", rec.PositivePrompt)
	}

	statuses := make([]string, 0, len(counts))
	for status := range counts {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	parts := make([]string, len(statuses))
	for i, status := range statuses {
		parts[i] = fmt.Sprintf("%s %d", status, counts[status])
	}
	dim.Fprintf(w, "total: %s\n", strings.Join(parts, ", "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
