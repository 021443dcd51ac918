// Command walinspect browses a write-ahead log file interactively: every
// durable record with its payload, plus the checkpoint position from the
// master record and the transactions still open at the end of the log.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"reldb/pkg/log/record"
	"reldb/pkg/log/wal"
	"reldb/pkg/primitives"
)

var (
	appStyle    = lipgloss.NewStyle().Padding(1, 2)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("62")).Padding(0, 1)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

type recordItem struct {
	rec *record.LogRecord
}

func (i recordItem) Title() string {
	return fmt.Sprintf("%06d  %-10s txn=%d", i.rec.LSN, i.rec.Kind, i.rec.TxnID)
}

func (i recordItem) Description() string {
	r := i.rec
	switch {
	case r.Kind == record.KindUpdate || r.Kind == record.KindCLRUpdate:
		desc := fmt.Sprintf("table=%s rid=%s before=%q after=%q prev=%d", r.TableName, r.RID, r.Before, r.After, r.PrevLSN)
		if r.Kind.IsCLR() {
			desc += fmt.Sprintf(" undoNext=%d", r.UndoNext)
		}
		return desc
	case r.Kind.Mutates():
		desc := fmt.Sprintf("table=%s rid=%s value=%q prev=%d", r.TableName, r.RID, r.Value, r.PrevLSN)
		if r.Kind.IsCLR() {
			desc += fmt.Sprintf(" undoNext=%d", r.UndoNext)
		}
		return desc
	case r.Kind == record.KindCkptEnd:
		return fmt.Sprintf("att=%d dpt=%d", len(r.ActiveTxns), len(r.DirtyPages))
	default:
		return fmt.Sprintf("prev=%d", r.PrevLSN)
	}
}

func (i recordItem) FilterValue() string {
	return fmt.Sprintf("%d %s %s", i.rec.LSN, i.rec.Kind, i.rec.TableName)
}

type model struct {
	list      list.Model
	status    string
	truncated bool
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		frameW, frameH := appStyle.GetFrameSize()
		m.list.SetSize(msg.Width-frameW, msg.Height-frameH-2)
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) View() string {
	status := statusStyle.Render(m.status)
	if m.truncated {
		status += "  " + warnStyle.Render("corrupt tail discarded")
	}
	return appStyle.Render(m.list.View() + "\n" + status)
}

func openLogForStatus(mr wal.MasterRecord, records []*record.LogRecord) string {
	open := make(map[primitives.TransactionID]bool)
	for _, r := range records {
		switch r.Kind {
		case record.KindBegin:
			open[r.TxnID] = true
		case record.KindCommit, record.KindAbort:
			delete(open, r.TxnID)
		}
	}
	ckpt := "none"
	if mr.End.Valid() {
		ckpt = fmt.Sprintf("begin=%d end=%d", mr.Begin, mr.End)
	}
	return fmt.Sprintf("%d records · %d open txns · checkpoint %s", len(records), len(open), ckpt)
}

func run(path string) error {
	reader, err := wal.NewLogReader(path)
	if err != nil {
		return err
	}
	records, err := reader.ReadAll()
	truncated := reader.Truncated()
	reader.Close()
	if err != nil {
		return err
	}

	mr, err := wal.ReadMasterRecord(wal.MasterRecordPath(path))
	if err != nil && !errors.Is(err, wal.ErrBadMasterRecord) {
		return err
	}

	items := make([]list.Item, len(records))
	for i, rec := range records {
		items[i] = recordItem{rec: rec}
	}

	delegate := list.NewDefaultDelegate()
	l := list.New(items, delegate, 80, 24)
	l.Title = titleStyle.Render(fmt.Sprintf("wal · %s", path))
	l.SetShowStatusBar(false)

	m := model{
		list:      l,
		status:    openLogForStatus(mr, records),
		truncated: truncated,
	}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func main() {
	flag.Parse()
	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: walinspect <wal-file>")
		os.Exit(2)
	}
	if err := run(flag.Arg(0)); err != nil {
		fmt.Fprintln(os.Stderr, "walinspect:", err)
		os.Exit(1)
	}
}
