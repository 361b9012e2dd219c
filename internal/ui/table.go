package ui

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	prettytable "github.com/jedib0t/go-pretty/v6/table"

	"github.com/BioHazard786/warprelay/internal/signaling"
)

// Output formats for RenderStats.
const (
	FormatTable    = "table"
	FormatMarkdown = "markdown"
	FormatCSV      = "csv"
)

// section is one titled table of a stats report.
type section struct {
	title   string
	headers []string
	rows    [][]string
}

func statsSections(s signaling.Stats) []section {
	peers := section{title: "Devices", headers: []string{"ID", "Name", "Room"}}
	roomOf := make(map[string]string)
	for _, r := range s.Rooms {
		for _, name := range r.Members {
			roomOf[name] = r.ID
		}
	}
	for _, p := range s.Peers {
		peers.rows = append(peers.rows, []string{p.ID, p.Name, roomOf[p.Name]})
	}

	rooms := section{title: "Rooms", headers: []string{"Room", "Members", "Count"}}
	for _, r := range s.Rooms {
		rooms.rows = append(rooms.rows, []string{r.ID, strings.Join(r.Members, ", "), strconv.Itoa(len(r.Members))})
	}

	transfers := section{title: "Transfers", headers: []string{"ID", "File", "From", "To", "Chunks", "Size"}}
	for _, t := range s.Transfers {
		transfers.rows = append(transfers.rows, []string{
			t.ID,
			t.FileName,
			t.Sender,
			t.Target,
			fmt.Sprintf("%d/%d", t.Received, t.Total),
			FormatSize(t.Bytes),
		})
	}
	return []section{peers, rooms, transfers}
}

// SummaryLine is the one-line overview shown above the tables.
func SummaryLine(s signaling.Stats) string {
	return fmt.Sprintf("%s %d devices  %s %d rooms  %s %d transfers  mode %s  %d names free",
		IconPeer, len(s.Peers), IconRoom, len(s.Rooms), IconTransfer, len(s.Transfers), s.Mode, s.NamesFree)
}

// StatsView renders the stats as styled lipgloss tables.
func StatsView(s signaling.Stats) string {
	var b strings.Builder
	b.WriteString(BoldStyle.Render(SummaryLine(s)))
	b.WriteString("\n\n")
	for _, sec := range statsSections(s) {
		b.WriteString(TitleStyle.Render(sec.title))
		b.WriteString("\n")
		if len(sec.rows) == 0 {
			b.WriteString(MutedStyle.Render("none"))
			b.WriteString("\n\n")
			continue
		}
		b.WriteString(styledTable(sec.headers, sec.rows))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func styledTable(headers []string, rows [][]string) string {
	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
	return tbl.Render()
}

// RenderStats writes s to w in the given format. Markdown and CSV are plain
// text for pasting into reports and spreadsheets.
func RenderStats(w io.Writer, s signaling.Stats, format string) error {
	switch format {
	case "", FormatTable:
		_, err := fmt.Fprintln(w, StatsView(s))
		return err
	case FormatMarkdown, FormatCSV:
	default:
		return fmt.Errorf("unknown format %q (want %s, %s or %s)", format, FormatTable, FormatMarkdown, FormatCSV)
	}

	for i, sec := range statsSections(s) {
		t := prettytable.NewWriter()
		t.AppendHeader(toRow(sec.headers))
		for _, r := range sec.rows {
			t.AppendRow(toRow(r))
		}

		var out string
		if format == FormatMarkdown {
			out = "### " + sec.title + "\n\n" + t.RenderMarkdown()
		} else {
			out = "# " + sec.title + "\n" + t.RenderCSV()
		}
		if i > 0 {
			out = "\n" + out
		}
		if _, err := fmt.Fprintln(w, out); err != nil {
			return err
		}
	}
	return nil
}

func toRow(cells []string) prettytable.Row {
	row := make(prettytable.Row, len(cells))
	for i, c := range cells {
		row[i] = c
	}
	return row
}

// IdentityView is the box the probe command prints after registering.
func IdentityView(id signaling.SelfIdentity, devices []signaling.DeviceInfo) string {
	content := fmt.Sprintf("%s Registered\n\n%s Device ID:  %s\n%s Name:       %s",
		IconSuccess,
		IconConnect, MutedStyle.Render(id.DeviceID),
		IconPeer, BoldStyle.Foreground(Primary).Render(id.Name),
	)
	box := SuccessBoxStyle.Render(content)
	if len(devices) == 0 {
		return box + "\n" + MutedStyle.Render("No other devices connected")
	}

	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.ID, d.Name})
	}
	return box + "\n" + styledTable([]string{"ID", "Name"}, rows)
}
