package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nullc-go/vm/bytecode"
	"github.com/nullc-go/vm/regvm"
	"github.com/nullc-go/vm/stackvm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	lineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#F0E68C"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateStepping
	stateShowResult
)

// interactiveModel steps either VM one instruction at a time, the TUI
// counterpart of cmd/nullcvm's batch -func mode, grounded on the
// teacher's interactive.go bubbletea model.
type interactiveModel struct {
	err      error
	filename string
	vmKind   string
	img      *bytecode.Image

	funcs    []funcInfo
	selected int

	inputs   []textinput.Model
	focusIdx int

	stackDbg *stackvm.Debugger
	regDbg   *regvm.Debugger
	result   string

	state modelState
}

type funcInfo struct {
	index  int
	name   string
	params int
}

func newInteractiveModel(filename, vmKind string) *interactiveModel {
	return &interactiveModel{
		filename: filename,
		vmKind:   vmKind,
		state:    stateSelectFunc,
	}
}

type loadedMsg struct {
	err   error
	img   *bytecode.Image
	funcs []funcInfo
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadImage
}

func (m *interactiveModel) loadImage() tea.Msg {
	img, err := loadImage(m.filename)
	if err != nil {
		return loadedMsg{err: err}
	}
	var funcs []funcInfo
	for i, f := range img.Functions {
		funcs = append(funcs, funcInfo{index: i, name: img.Symbol(f.NameOffset), params: int(f.ParamCount)})
	}
	return loadedMsg{img: img, funcs: funcs}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					m.startStepping(nil)
					return m, nil
				}
				m.state = stateInputArgs

			case stateInputArgs:
				m.startStepping(m.collectArgs())

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
				m.stackDbg = nil
				m.regDbg = nil
			}

		case "n", " ":
			if m.state == stateStepping {
				m.stepOnce()
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateStepping, stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
				m.stackDbg = nil
				m.regDbg = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.img = msg.img
		m.funcs = msg.funcs
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, f.params)
	for i := 0; i < f.params; i++ {
		ti := textinput.New()
		ti.Placeholder = fmt.Sprintf("arg%d", i)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 20
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) collectArgs() []int64 {
	args := make([]int64, len(m.inputs))
	for i, input := range m.inputs {
		v, _ := strconv.ParseInt(strings.TrimSpace(input.Value()), 10, 64)
		args[i] = v
	}
	return args
}

func (m *interactiveModel) startStepping(args []int64) {
	f := m.funcs[m.selected]
	switch m.vmKind {
	case "reg":
		prog, err := regvm.DecodeProgram(m.img.RegCode)
		if err != nil {
			m.err = err
			m.state = stateShowResult
			return
		}
		e := regvm.NewEngine(m.img, prog)
		callArgs := make([]uint64, len(args))
		for i, v := range args {
			callArgs[i] = uint64(v)
		}
		dbg, err := regvm.NewDebugger(e, uint32(f.index), callArgs)
		if err != nil {
			m.err = err
			m.state = stateShowResult
			return
		}
		m.regDbg = dbg
	default:
		prog, err := stackvm.DecodeProgram(m.img.StackCode)
		if err != nil {
			m.err = err
			m.state = stateShowResult
			return
		}
		e := stackvm.NewEngine(m.img, prog)
		callArgs := make([]uint32, len(args))
		for i, v := range args {
			callArgs[i] = uint32(v)
		}
		dbg, err := stackvm.NewDebugger(e, uint32(f.index), callArgs)
		if err != nil {
			m.err = err
			m.state = stateShowResult
			return
		}
		m.stackDbg = dbg
	}
	m.state = stateStepping
}

func (m *interactiveModel) stepOnce() {
	if m.stackDbg != nil {
		if err := m.stackDbg.Step(); err != nil {
			m.err = err
			m.state = stateShowResult
			return
		}
		if m.stackDbg.Done() {
			m.result = fmt.Sprintf("%v", m.stackDbg.Result())
			m.state = stateShowResult
		}
		return
	}
	if err := m.regDbg.Step(); err != nil {
		m.err = err
		m.state = stateShowResult
		return
	}
	if m.regDbg.Done() {
		v, tag := m.regDbg.Result()
		m.result = fmt.Sprintf("%d (%v)", v, tag)
		m.state = stateShowResult
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.img == nil {
		return "Loading image..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("nullcvm debugger"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString(" (" + m.vmKind + " VM)\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to step through:\n\n")
		for i, f := range m.funcs {
			line := fmt.Sprintf("%s(%d args)", f.name, f.params)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter step • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Arguments for %s\n\n", funcStyle.Render(f.name)))
		for _, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter start • esc back"))

	case stateStepping:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Stepping %s\n\n", funcStyle.Render(f.name)))
		if m.stackDbg != nil {
			b.WriteString(fmt.Sprintf("pc=%d  opcode=%v\n", m.stackDbg.PC(), m.stackDbg.Opcode()))
			b.WriteString(fmt.Sprintf("operand stack (bytes): %v\n", m.stackDbg.OperandStack()))
			if line := m.stackDbg.SourceLine(); line != "" {
				b.WriteString(lineStyle.Render(line))
				b.WriteString("\n")
			}
		} else {
			b.WriteString(fmt.Sprintf("pc=%d  opcode=%v\n", m.regDbg.PC(), m.regDbg.Opcode()))
			b.WriteString(fmt.Sprintf("registers: %v\n", m.regDbg.Registers()))
			if line := m.regDbg.SourceLine(); line != "" {
				b.WriteString(lineStyle.Render(line))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("n/space step • esc back • q quit"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func runInteractive(filename, vmKind string) error {
	p := tea.NewProgram(newInteractiveModel(filename, vmKind), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
