package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/tbench-runner/internal/domain"
	"github.com/hochfrequenz/tbench-runner/web/api"
	"gopkg.in/yaml.v3"
)

// printer renders command results in the selected format. Table output is
// produced by the table callback; json and yaml encode data directly.
type printer struct {
	format string
	out    io.Writer
}

func newPrinter(format string, out io.Writer) (*printer, error) {
	switch format {
	case "", "table", "json", "yaml":
	default:
		return nil, fmt.Errorf("unknown output format %q (want table, json or yaml)", format)
	}
	return &printer{format: format, out: out}, nil
}

func (p *printer) print(data any, table func(w *tabwriter.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case "yaml":
		enc := yaml.NewEncoder(p.out)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return err
		}
		return enc.Close()
	default:
		w := tabwriter.NewWriter(p.out, 0, 0, 2, ' ', 0)
		table(w)
		return w.Flush()
	}
}

func (p *printer) tasks(tasks []*domain.Task) error {
	resp := make([]api.TaskResponse, len(tasks))
	for i, t := range tasks {
		resp[i] = api.TaskToResponse(t)
	}
	return p.print(resp, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tAGENT\tMODEL\tRUNS\tPASSED\tFAILED\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				t.ID, t.Name, t.Status, t.Agent, orDash(t.Model), t.NumRuns,
				t.PassedRuns, t.FailedRuns, humanize.Time(t.CreatedAt))
		}
	})
}

func (p *printer) task(t *domain.Task, runs []*domain.Run) error {
	resp := api.TaskDetailResponse{TaskResponse: api.TaskToResponse(t)}
	resp.Runs = make([]api.RunResponse, len(runs))
	for i, r := range runs {
		resp.Runs[i] = api.RunToResponse(r, false)
	}
	return p.print(resp, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "ID:\t%d\n", t.ID)
		fmt.Fprintf(w, "Name:\t%s\n", t.Name)
		if t.Description != "" {
			fmt.Fprintf(w, "Description:\t%s\n", t.Description)
		}
		fmt.Fprintf(w, "Archive:\t%s (%s)\n", t.OriginalFilename, humanize.Bytes(uint64(t.FileSize)))
		fmt.Fprintf(w, "Agent:\t%s (%s)\n", t.Agent, t.Harness)
		fmt.Fprintf(w, "Model:\t%s\n", orDash(t.Model))
		fmt.Fprintf(w, "Status:\t%s\n", t.Status)
		fmt.Fprintf(w, "Created:\t%s\n", humanize.Time(t.CreatedAt))
		if t.StartedAt != nil {
			fmt.Fprintf(w, "Started:\t%s\n", humanize.Time(*t.StartedAt))
		}
		if t.CompletedAt != nil {
			fmt.Fprintf(w, "Completed:\t%s\n", humanize.Time(*t.CompletedAt))
		}
		fmt.Fprintf(w, "Runs:\t%d passed, %d failed, %d pending of %d (%.0f%% pass rate)\n",
			t.PassedRuns, t.FailedRuns, t.PendingRuns(), t.NumRuns, t.PassRate()*100)
		if len(runs) > 0 {
			fmt.Fprintln(w)
			writeRunRows(w, runs)
		}
	})
}

func (p *printer) runs(runs []*domain.Run) error {
	resp := make([]api.RunResponse, len(runs))
	for i, r := range runs {
		resp[i] = api.RunToResponse(r, false)
	}
	return p.print(resp, func(w *tabwriter.Writer) {
		writeRunRows(w, runs)
	})
}

func writeRunRows(w io.Writer, runs []*domain.Run) {
	fmt.Fprintln(w, "RUN\t#\tSTATUS\tTESTS\tDURATION\tRETRIES\tERROR")
	for _, r := range runs {
		tests := "-"
		if r.TestsTotal > 0 {
			tests = fmt.Sprintf("%d/%d", r.TestsPassed, r.TestsTotal)
		}
		duration := "-"
		if r.DurationSeconds != nil {
			duration = (time.Duration(*r.DurationSeconds * float64(time.Second))).Round(time.Second).String()
		}
		errMsg := "-"
		if r.ErrorMessage != nil {
			errMsg = firstLine(*r.ErrorMessage, 60)
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.RunNumber, r.Status, tests, duration, r.RetryCount, errMsg)
	}
}

func (p *printer) started(resp api.StartResponse) error {
	return p.print(resp, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Task %d started:\t%d runs enqueued over %s\n", resp.Task.ID, resp.Enqueued, resp.Stagger)
		if len(resp.FailedRunIDs) > 0 {
			fmt.Fprintf(w, "Not enqueued:\t%v (redispatch to retry)\n", resp.FailedRunIDs)
		}
	})
}

func (p *printer) redispatched(resp api.RedispatchResponse) error {
	return p.print(resp, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Task %d:\t%d pending runs enqueued over %s\n", resp.TaskID, resp.Enqueued, resp.Stagger)
		if len(resp.FailedRunIDs) > 0 {
			fmt.Fprintf(w, "Not enqueued:\t%v\n", resp.FailedRunIDs)
		}
	})
}

func (p *printer) stats(resp api.StatsResponse) error {
	return p.print(resp, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Tasks:\t%d\t%s\n", resp.TotalTasks, formatCounts(resp.Tasks))
		fmt.Fprintf(w, "Runs:\t%d\t%s\n", resp.TotalRuns, formatCounts(resp.Runs))
		if resp.Queue != nil {
			fmt.Fprintf(w, "Queue:\t%d\tready=%d delayed=%d leased=%d\n",
				resp.Queue.Total(), resp.Queue.Ready, resp.Queue.Delayed, resp.Queue.Leased)
		}
		if m := resp.Worker; m != nil {
			fmt.Fprintf(w, "Worker:\t%d\tbusy=%d retries=%d avg=%s\n",
				m.TotalCompleted, m.BusySlots, m.TotalRetries, m.AvgDuration.Round(time.Second))
		}
	})
}

// formatCounts renders a status histogram as "a=1 b=2" in key order
func formatCounts(counts map[string]int) string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
