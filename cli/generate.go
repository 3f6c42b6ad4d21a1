package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/list"
	"github.com/santiagomed/kiln/fs"
	"github.com/santiagomed/kiln/logger"
)

type state int

const (
	Input state = iota
	Processing
	Finished
)

type genFlags struct {
	project string
	server  string
	prompt  string
}

type statusMsg StatusEvent

type doneMsg struct {
	err error
}

type treeMsg struct {
	tree []fs.Node
	err  error
}

var (
	checkStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFBA08"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	faintStyle = lipgloss.NewStyle().Faint(true)
	nameStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
)

type generateCmdModel struct {
	textInput textinput.Model
	spinner   spinner.Model
	state     state
	flags     genFlags
	client    *Client
	events    chan StatusEvent
	result    chan error
	statuses  []StatusEvent
	err       error
	ctx       context.Context
	cancel    context.CancelFunc
	logger    logger.Logger
}

func newGenerateModel(f genFlags, l logger.Logger) generateCmdModel {
	if l == nil {
		l = logger.NewNullLogger()
	}
	ti := textinput.New()
	ti.Placeholder = "Describe your project..."
	ti.Focus()
	ti.CharLimit = 512
	ti.Width = 80
	ti.SetValue(f.prompt)

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("202"))

	ctx, cancel := context.WithCancel(context.Background())
	return generateCmdModel{
		textInput: ti,
		spinner:   s,
		state:     Input,
		flags:     f,
		client:    NewClient(f.server, l),
		events:    make(chan StatusEvent, 64),
		result:    make(chan error, 1),
		ctx:       ctx,
		cancel:    cancel,
		logger:    l,
	}
}

func (m generateCmdModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m generateCmdModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC || msg.Type == tea.KeyEsc {
			return m.handleQuit()
		}
		if m.state == Input && msg.Type == tea.KeyEnter {
			return m.handleKeyEnter()
		}
	case statusMsg:
		m.logger.Debug(fmt.Sprintf("Received status: %s", msg.Status))
		m.statuses = append(m.statuses, StatusEvent(msg))
		return m, m.listenForNextEvent
	case doneMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = Finished
			m.logger.Error(fmt.Sprintf("Generation failed: %v", msg.err))
			return m, tea.Quit
		}
		return m, m.fetchTree
	case treeMsg:
		m.state = Finished
		if msg.err != nil {
			m.logger.Warn(fmt.Sprintf("Could not fetch file tree: %v", msg.err))
			return m, tea.Quit
		}
		header := fmt.Sprintf("Project %s:", nameStyle.Render(m.flags.project))
		return m, tea.Sequence(tea.Printf("%s\n%s", header, renderTree(msg.tree, "")), tea.Quit)
	default:
		if m.state == Processing {
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}

	if m.state == Input {
		m.textInput, cmd = m.textInput.Update(msg)
	}
	return m, cmd
}

func (m generateCmdModel) View() string {
	switch m.state {
	case Input:
		return fmt.Sprintf("%s\n%s", m.textInput.View(), faintStyle.Render("(press enter to generate the project or esc to quit)"))
	case Processing, Finished:
		return m.statusList()
	}
	return ""
}

func (m generateCmdModel) statusList() string {
	if len(m.statuses) == 0 {
		return fmt.Sprintf("%s Connecting to %s", m.spinner.View(), m.flags.server)
	}

	enumerator := func(_ list.Items, i int) string {
		switch {
		case m.statuses[i].Level == "error":
			return errorStyle.Render("✗")
		case m.statuses[i].Level == "warning":
			return warnStyle.Render("!")
		case i < len(m.statuses)-1 || m.state == Finished:
			return checkStyle.Render("✓")
		}
		return m.spinner.View()
	}

	l := list.New().Enumerator(enumerator)
	for _, s := range m.statuses {
		switch s.Level {
		case "error":
			l.Item(errorStyle.Render(s.Status))
		case "warning":
			l.Item(warnStyle.Render(s.Status))
		default:
			l.Item(s.Status)
		}
	}
	return fmt.Sprint(l) + "\n"
}

// Shutdown cancels an in-flight request.
func (m *generateCmdModel) Shutdown() {
	m.cancel()
}

func (m generateCmdModel) handleKeyEnter() (tea.Model, tea.Cmd) {
	v := strings.TrimSpace(m.textInput.Value())
	if v == "" {
		message := faintStyle.Render("No project description entered. Exiting...")
		return m, tea.Sequence(tea.Printf("%s", message), tea.Quit)
	}

	m.state = Processing
	message := faintStyle.Width(80).Render(fmt.Sprintf("> %s", v))
	return m, tea.Batch(tea.Printf("%s", message), m.spinner.Tick, m.startGeneration(v), m.listenForNextEvent)
}

func (m generateCmdModel) handleQuit() (tea.Model, tea.Cmd) {
	m.logger.Debug("User exited the application")
	m.cancel()
	message := faintStyle.Render("Interrupted. Exiting application...")
	return m, tea.Sequence(tea.Printf("%s", message), tea.Quit)
}

// startGeneration streams the run into m.events, which is closed at the end
// so every status is delivered before the final result.
func (m generateCmdModel) startGeneration(prompt string) tea.Cmd {
	return func() tea.Msg {
		err := m.client.Generate(m.ctx, prompt, m.flags.project, func(ev StatusEvent) {
			select {
			case m.events <- ev:
			case <-m.ctx.Done():
			}
		})
		m.result <- err
		close(m.events)
		return nil
	}
}

func (m generateCmdModel) listenForNextEvent() tea.Msg {
	ev, ok := <-m.events
	if !ok {
		return doneMsg{err: <-m.result}
	}
	return statusMsg(ev)
}

func (m generateCmdModel) fetchTree() tea.Msg {
	tree, err := m.client.Tree(m.ctx, m.flags.project)
	return treeMsg{tree: tree, err: err}
}

// Err reports why the run ended unsuccessfully, if it did.
func (m generateCmdModel) Err() error {
	if errors.Is(m.err, context.Canceled) {
		return nil
	}
	return m.err
}

func renderTree(nodes []fs.Node, indent string) string {
	var b strings.Builder
	for _, n := range nodes {
		name := n.Name
		if n.Type == fs.NodeFolder {
			name = nameStyle.Render(name + "/")
		}
		b.WriteString(indent + name + "\n")
		if len(n.Children) > 0 {
			b.WriteString(renderTree(n.Children, indent+"  "))
		}
	}
	if indent == "" {
		return strings.TrimRight(b.String(), "\n")
	}
	return b.String()
}
