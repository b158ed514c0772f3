package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	ndireceiver "github.com/e7canasta/orion-care-sensor/modules/ndi-receiver"
)

type keyMap struct {
	Up         key.Binding
	Down       key.Binding
	Connect    key.Binding
	Disconnect key.Binding
	Quit       key.Binding
}

var keys = keyMap{
	Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "previous source")),
	Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "next source")),
	Connect:    key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "connect selected")),
	Disconnect: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "disconnect")),
	Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#F8F8F2")).Background(lipgloss.Color("#44475A")).Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#BD93F9")).Bold(true)
	liveStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#50FA7B"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#6272A4"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5555"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#6272A4")).Padding(0, 1)
)

// receiver is the part of the receiver the monitor drives.
type receiver interface {
	Update()
	CurrentSourceIndex() int
	CurrentSourceName() string
	SourceCount() int
	Sources() []ndireceiver.Source
	SwitchSource(ctx context.Context, index int) error
	Disconnect()
	LatestVideoFrame() (ndireceiver.VideoFrame, bool)
	Stats() ndireceiver.ReceiverStats
}

type tickMsg time.Time

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// model renders the source list and the live frame info, one Update per
// tick.
type model struct {
	ctx  context.Context
	rx   receiver
	tick time.Duration

	sources  []ndireceiver.Source
	selected int
	stats    ndireceiver.ReceiverStats
	frame    ndireceiver.VideoFrame
	hasFrame bool
	lastErr  error
}

func newModel(ctx context.Context, rx receiver, tick time.Duration) model {
	if tick <= 0 {
		tick = time.Second / 30
	}
	return model{ctx: ctx, rx: rx, tick: tick}
}

func (m model) Init() tea.Cmd {
	return tickCmd(m.tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		m.refresh()
		return m, tickCmd(m.tick)
	}
	return m, nil
}

func (m *model) refresh() {
	m.rx.Update()
	m.sources = m.rx.Sources()
	m.stats = m.rx.Stats()
	m.frame, m.hasFrame = m.rx.LatestVideoFrame()
	if m.selected >= len(m.sources) {
		m.selected = max(len(m.sources)-1, 0)
	}
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, keys.Up):
		return m.step(-1)

	case key.Matches(msg, keys.Down):
		return m.step(1)

	case key.Matches(msg, keys.Connect):
		m.lastErr = m.rx.SwitchSource(m.ctx, m.selected)
		return m, nil

	case key.Matches(msg, keys.Disconnect):
		m.rx.Disconnect()
		m.lastErr = nil
		return m, nil
	}
	return m, nil
}

// step moves to the neighboring source and connects to it, wrapping
// around at both ends.
func (m model) step(delta int) (tea.Model, tea.Cmd) {
	n := m.rx.SourceCount()
	if n == 0 {
		return m, nil
	}
	cur := m.rx.CurrentSourceIndex()
	if cur < 0 {
		cur = m.selected
	}
	m.selected = ((cur+delta)%n + n) % n
	m.lastErr = m.rx.SwitchSource(m.ctx, m.selected)
	return m, nil
}

// title returns "#i/n: name", or the state while nothing is connected.
func (m model) title() string {
	idx := m.rx.CurrentSourceIndex()
	if idx < 0 {
		if m.stats.State == ndireceiver.StateConnecting {
			return "connecting..."
		}
		return m.stats.State.String()
	}
	return fmt.Sprintf("#%d/%d: %s", idx+1, m.rx.SourceCount(), m.rx.CurrentSourceName())
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("NDI Monitor  " + m.title()))
	b.WriteString("\n\n")

	current := m.rx.CurrentSourceIndex()
	if len(m.sources) == 0 {
		b.WriteString(mutedStyle.Render("  no sources found"))
		b.WriteString("\n")
	}
	for _, s := range m.sources {
		cursor := "  "
		if s.Index == m.selected {
			cursor = "> "
		}
		line := fmt.Sprintf("%s%2d  %s", cursor, s.Index+1, s.Name)
		switch {
		case s.Index == current:
			line = liveStyle.Render(line + "  ● live")
		case s.Index == m.selected:
			line = selectedStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")

	var info strings.Builder
	if m.hasFrame {
		fmt.Fprintf(&info, "Frame     %dx%d  seq %d\n", m.frame.Width, m.frame.Height, m.frame.Seq)
	} else {
		info.WriteString("Frame     -\n")
	}
	fmt.Fprintf(&info, "FPS       %.2f\n", m.stats.FPS)
	fmt.Fprintf(&info, "Latency   %d ms\n", m.stats.LatencyMS)
	fmt.Fprintf(&info, "Frames    %d video, %d metadata\n", m.stats.VideoFrames, m.stats.MetadataFrames)
	fmt.Fprintf(&info, "Reconnect %d  Lost %d", m.stats.Reconnects, m.stats.Losses)
	if m.stats.WaitingForPreferred {
		info.WriteString("\nWaiting for preferred source")
	}
	if m.stats.Paused {
		info.WriteString("\nDisconnected (select a source to resume)")
	}
	b.WriteString(boxStyle.Render(info.String()))
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(errorStyle.Render("error: " + m.lastErr.Error()))
		b.WriteString("\n")
	}

	help := []string{}
	for _, k := range []key.Binding{keys.Up, keys.Down, keys.Connect, keys.Disconnect, keys.Quit} {
		h := k.Help()
		help = append(help, h.Key+" "+h.Desc)
	}
	b.WriteString(mutedStyle.Render(strings.Join(help, " • ")))
	b.WriteString("\n")
	return b.String()
}
