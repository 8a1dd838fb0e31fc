package ihrwatch

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"ihrwatch/internal/fetcher"
)

// ProbeRow is one attempt of the probe command.
type ProbeRow struct {
	Attempt int
	Result  fetcher.Result
	State   fetcher.State
	Took    time.Duration
}

const maxErrorWidth = 60

// resultState names a result the way the X-Ihrwatch header does.
func resultState(res fetcher.Result) string {
	switch {
	case !res.OK:
		return "warming"
	case res.Stale:
		return "stale"
	default:
		return "fresh"
	}
}

// PrintProbe renders probe attempts as a table.
func PrintProbe(w io.Writer, rows []ProbeRow, now time.Time) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"#", "Fetcher", "State", "Bytes", "Age", "Failures", "Blocked", "Took", "Error"})
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed, color.Bold).SprintFunc()

	var data [][]string
	for _, r := range rows {
		state := resultState(r.Result)
		switch state {
		case "fresh":
			state = green(state)
		case "stale":
			state = yellow(state)
		default:
			state = red(state)
		}

		age := "-"
		if !r.Result.FetchedAt.IsZero() {
			age = now.Sub(r.Result.FetchedAt).Truncate(time.Second).String()
		}
		blocked := "-"
		if !r.State.BlockedUntil.IsZero() {
			blocked = r.State.BlockedUntil.Sub(now).Round(time.Second).String()
		}

		data = append(data, []string{
			strconv.Itoa(r.Attempt),
			r.State.Name,
			state,
			formatBytes(uint64(len(r.Result.Data))),
			age,
			strconv.Itoa(r.State.Failures),
			blocked,
			r.Took.Round(time.Millisecond).String(),
			truncate(r.Result.Error, maxErrorWidth),
		})
	}

	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}

// PrintASNs lists discovered networks, for probing the search endpoint.
func PrintASNs(w io.Writer, data []byte) error {
	asns, err := parseASNs(data)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ASN", "Name", "Country"})
	var rows [][]string
	for _, a := range asns {
		rows = append(rows, []string{a.ASN, a.Name, a.Country})
	}
	if err := table.Bulk(rows); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%d networks\n", len(asns))
	return err
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
