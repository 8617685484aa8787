package tui

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/hgcsim/internal/eventbridge"
	"github.com/kingrea/hgcsim/internal/workflow/engine"
	"github.com/kingrea/hgcsim/internal/workflow/resolver"
	"github.com/kingrea/hgcsim/internal/workflow/scheduler"
)

const stateRefreshInterval = 5 * time.Second

var (
	labelStyleReady    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyleBlocked  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	labelStyleRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	labelStyleReleased = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	labelStyleSkipped  = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	labelStyleDefault  = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailTextStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	titleStyle         = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#5B8DEF")).Padding(0, 1)
)

// WatchOptions locates the files a watch view renders.
type WatchOptions struct {
	// EngineDir holds the persisted engine state.
	EngineDir string
	// ProgressPath is the event bridge snapshot.
	ProgressPath string
	// ExitOnFinish quits once the run is complete or failed.
	ExitOnFinish bool
}

type moduleLabel struct {
	text  string
	style lipgloss.Style
}

type snapshotMsg struct {
	state    engine.State
	progress eventbridge.Snapshot
	err      error
}

type fileChangedMsg struct{ name string }

type watchErrMsg struct{ err error }

type refreshTickMsg struct{}

// workflowView renders the engine state and branch progress of one run.
type workflowView struct {
	opts        WatchOptions
	repo        *engine.Repository
	state       engine.State
	progress    eventbridge.Snapshot
	stateLoaded bool
	err         error
	selection   int
	width       int
	spinner     spinner.Model
	bar         progress.Model
	changes     <-chan string
	errs        <-chan error
	finished    bool
}

func newWorkflowView(opts WatchOptions) *workflowView {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = labelStyleRunning
	bar := progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage())
	bar.Width = 30
	return &workflowView{
		opts:    opts,
		repo:    engine.NewRepository(opts.EngineDir),
		spinner: spin,
		bar:     bar,
	}
}

// watch subscribes the view to file change notifications.
func (v *workflowView) watch(changes <-chan string, errs <-chan error) {
	v.changes = changes
	v.errs = errs
}

func (v *workflowView) Init() tea.Cmd {
	return tea.Batch(v.load(), v.spinner.Tick, v.waitForChange(), v.scheduleRefresh())
}

func (v *workflowView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case snapshotMsg:
		if m.err != nil {
			if !errors.Is(m.err, engine.ErrStateNotFound) {
				v.err = m.err
			}
			return v, nil
		}
		v.err = nil
		v.applyState(m.state, m.progress)
		if v.finished && v.opts.ExitOnFinish {
			return v, tea.Quit
		}
		return v, nil
	case fileChangedMsg:
		return v, tea.Batch(v.load(), v.waitForChange())
	case watchErrMsg:
		v.err = m.err
		return v, v.waitForChange()
	case refreshTickMsg:
		return v, tea.Batch(v.load(), v.scheduleRefresh())
	case spinner.TickMsg:
		var cmd tea.Cmd
		v.spinner, cmd = v.spinner.Update(m)
		return v, cmd
	case tea.WindowSizeMsg:
		v.width = m.Width
		if w := m.Width / 3; w > 10 {
			v.bar.Width = w
		}
		return v, nil
	case tea.KeyMsg:
		return v, v.handleKeyMsg(m)
	}
	return v, nil
}

func (v *workflowView) View() string {
	if !v.stateLoaded {
		if v.err != nil {
			return fmt.Sprintf("Watch error: %v", v.err)
		}
		return "Waiting for a run to start…"
	}
	statusLine := fmt.Sprintf("Run: %s · Status: %s", v.state.RunID, friendlyLabel(string(v.state.Status)))
	if v.state.StatusReason != "" {
		statusLine += fmt.Sprintf(" · %s", v.state.StatusReason)
	}
	done, total := v.counts()
	lines := []string{
		titleStyle.Render("hgcsim " + v.state.WorkflowID),
		statusLine,
		fmt.Sprintf("Nodes complete: %d/%d · running: %d", done, total, len(v.state.Runtime.Running())),
		"",
	}
	for i, node := range v.state.Nodes {
		lines = append(lines, v.renderModuleLine(i, node))
		if i == v.selection {
			lines = append(lines, v.renderModuleDetails(node))
		}
	}
	if v.err != nil {
		lines = append(lines, "", labelStyleBlocked.Render(fmt.Sprintf("error: %v", v.err)))
	}
	lines = append(lines, "", "↑/↓=select  r=refresh  q=quit")
	return strings.Join(lines, "\n")
}

func (v *workflowView) renderModuleLine(idx int, node engine.ModuleStatus) string {
	indicator := " "
	if idx == v.selection {
		indicator = ">"
	}
	name := node.ID
	labelSpecs := v.moduleLabelSpecs(node)
	if len(labelSpecs) == 0 {
		labelSpecs = []moduleLabel{{text: "Unknown", style: labelStyleDefault}}
	}
	rendered := make([]string, 0, len(labelSpecs))
	for _, spec := range labelSpecs {
		rendered = append(rendered, spec.style.Render(spec.text))
	}
	line := fmt.Sprintf("%s %s · [%s]", indicator, name, strings.Join(rendered, ", "))
	if v.isRunning(node.ID) {
		line = fmt.Sprintf("%s %s", line, v.spinner.View())
	}
	if p, ok := v.progress.Node(node.ID); ok && p.Total > 0 {
		line += fmt.Sprintf("\n    %s %d/%d", v.bar.ViewAs(p.Fraction()), p.Done, p.Total)
	}
	return line
}

func (v *workflowView) renderModuleDetails(node engine.ModuleStatus) string {
	var details []string
	if node.Name != "" && node.Name != node.ID {
		details = append(details, node.Name)
	}
	if len(node.BlockedBy) > 0 {
		details = append(details, fmt.Sprintf("Blocked by: %s", strings.Join(node.BlockedBy, ", ")))
	}
	if node.Error != "" {
		details = append(details, fmt.Sprintf("Error: %s", node.Error))
	}
	if run, ok := v.state.Runs[node.ID]; ok {
		runLine := fmt.Sprintf("Last run: %s", run.Status)
		if run.Message != "" {
			runLine += fmt.Sprintf(" · %s", run.Message)
		}
		if run.Error != "" {
			runLine += fmt.Sprintf(" · error: %s", run.Error)
		}
		details = append(details, runLine)
	}
	if p, ok := v.progress.Node(node.ID); ok && p.Message != "" {
		details = append(details, p.Message)
	}
	if len(details) == 0 {
		return detailTextStyle.Render("  no additional details")
	}
	return detailTextStyle.Render("  " + strings.Join(details, "\n  "))
}

func (v *workflowView) moduleLabelSpecs(node engine.ModuleStatus) []moduleLabel {
	var specs []moduleLabel
	add := func(text string, style lipgloss.Style) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		for _, existing := range specs {
			if existing.text == text {
				return
			}
		}
		specs = append(specs, moduleLabel{text: text, style: style})
	}
	add(friendlyLabel(string(node.State)), labelStyleForState(node.State))
	if claim, ok := v.state.Runtime.Claims[node.ID]; ok && claim.State == engine.ClaimRunning {
		label := "Running"
		if claim.MaxAttempts > 1 {
			label = fmt.Sprintf("Running (attempt %d/%d)", claim.Attempt, claim.MaxAttempts)
		}
		add(label, labelStyleRunning)
	}
	if skip, ok := v.state.Skipped[node.ID]; ok && skip.Reason != scheduler.SkipReasonNotReady && !v.isRunning(node.ID) {
		label := fmt.Sprintf("Skipped (%s)", friendlyLabel(string(skip.Reason)))
		style := labelStyleSkipped
		if skip.Reason == scheduler.SkipReasonFailed {
			label, style = "Failed", labelStyleBlocked
		}
		add(label, style)
	}
	return specs
}

func labelStyleForState(state resolver.NodeState) lipgloss.Style {
	switch state {
	case resolver.NodeStateReady, resolver.NodeStateComplete:
		return labelStyleReady
	case resolver.NodeStateBlocked, resolver.NodeStateError:
		return labelStyleBlocked
	case resolver.NodeStateReleased:
		return labelStyleReleased
	default:
		return labelStyleDefault
	}
}

func friendlyLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	replacer := strings.NewReplacer("_", " ", "-", " ")
	words := strings.Fields(replacer.Replace(strings.ToLower(value)))
	if len(words) == 0 {
		return ""
	}
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

func (v *workflowView) handleKeyMsg(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "up", "k":
		if v.selection > 0 {
			v.selection--
		}
	case "down", "j":
		if v.selection < len(v.state.Nodes)-1 {
			v.selection++
		}
	case "r":
		return v.load()
	case "q", "esc", "ctrl+c":
		return tea.Quit
	}
	return nil
}

// load reads the engine state and progress snapshot without touching the
// engine, so watching never races the runner.
func (v *workflowView) load() tea.Cmd {
	repo := v.repo
	progressPath := v.opts.ProgressPath
	return func() tea.Msg {
		state, err := repo.Load()
		if err != nil {
			return snapshotMsg{err: err}
		}
		snap, err := eventbridge.LoadSnapshot(progressPath)
		if err != nil {
			return snapshotMsg{state: state, err: err}
		}
		if snap.RunID != "" && snap.RunID != state.RunID {
			snap = eventbridge.Snapshot{}
		}
		return snapshotMsg{state: state, progress: snap}
	}
}

func (v *workflowView) waitForChange() tea.Cmd {
	if v.changes == nil {
		return nil
	}
	changes, errs := v.changes, v.errs
	return func() tea.Msg {
		select {
		case name, ok := <-changes:
			if !ok {
				return nil
			}
			return fileChangedMsg{name: name}
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return watchErrMsg{err: err}
		}
	}
}

func (v *workflowView) scheduleRefresh() tea.Cmd {
	return tea.Tick(stateRefreshInterval, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func (v *workflowView) applyState(state engine.State, snap eventbridge.Snapshot) {
	v.state = state
	v.progress = snap
	v.stateLoaded = true
	if v.selection >= len(state.Nodes) {
		v.selection = max(0, len(state.Nodes)-1)
	}
	switch state.Status {
	case engine.EngineStatusComplete, engine.EngineStatusError, engine.EngineStatusAwaitingApproval:
		v.finished = len(state.Runtime.Running()) == 0
	default:
		v.finished = false
	}
}

func (v *workflowView) counts() (done, total int) {
	for _, node := range v.state.Nodes {
		total++
		if node.State.Satisfied() {
			done++
		}
	}
	return done, total
}

func (v *workflowView) isRunning(id string) bool {
	return v.state.Runtime.Claims[id].State == engine.ClaimRunning
}

// watchedFiles lists the files whose changes trigger a reload.
func (v *workflowView) watchedFiles() []string {
	return []string{filepath.Join(v.opts.EngineDir, engine.StateFileName), v.opts.ProgressPath}
}
