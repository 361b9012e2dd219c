package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/BioHazard786/warprelay/internal/signaling"
)

// StatsFetcher loads one stats snapshot from a relay.
type StatsFetcher func(ctx context.Context) (signaling.Stats, error)

type statsMsg struct {
	stats signaling.Stats
	err   error
	at    time.Time
}

type refreshMsg struct{}

// watchModel polls the relay and redraws its stats until the user quits.
type watchModel struct {
	fetch    StatsFetcher
	interval time.Duration
	source   string

	spinner spinner.Model
	stats   *signaling.Stats
	err     error
	updated time.Time
	loading bool
}

func newWatchModel(source string, fetch StatsFetcher, interval time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle
	return watchModel{
		fetch:    fetch,
		interval: interval,
		source:   source,
		spinner:  s,
		loading:  true,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.interval)
		defer cancel()
		stats, err := m.fetch(ctx)
		return statsMsg{stats: stats, err: err, at: time.Now()}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			if !m.loading {
				m.loading = true
				return m, m.poll()
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case statsMsg:
		m.loading = false
		m.err = msg.err
		m.updated = msg.at
		if msg.err == nil {
			stats := msg.stats
			m.stats = &stats
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return refreshMsg{} })

	case refreshMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.poll()
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(HeaderStyle.Render("warprelay " + m.source))
	b.WriteString("\n")

	switch {
	case m.stats == nil && m.err == nil:
		b.WriteString(fmt.Sprintf("%s Fetching stats...", m.spinner.View()))
	case m.stats != nil:
		b.WriteString(StatsView(*m.stats))
	}
	if m.err != nil {
		b.WriteString("\n")
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("%s %v", IconError, m.err)))
	}

	status := "q quit • r refresh"
	if !m.updated.IsZero() {
		status = fmt.Sprintf("updated %s • %s", m.updated.Format(time.TimeOnly), status)
	}
	if m.loading && m.stats != nil {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(FooterStyle.Render(status))
	b.WriteString("\n")
	return b.String()
}

// RunWatch shows a live view of the relay's stats, refreshed every interval.
func RunWatch(source string, fetch StatsFetcher, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	_, err := tea.NewProgram(newWatchModel(source, fetch, interval)).Run()
	return err
}
