package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	addrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("7")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	stopStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
)

// ErrReported is returned by commands that have already reported their
// failure, on stdout or in the tunnel's log. main exits non-zero without
// printing it again.
var ErrReported = errors.New("failure already reported")

// PrintError writes err in bold red.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, failStyle.Render(err.Error()))
}

func printOpened(w io.Writer, addr string) {
	fmt.Fprintln(w, successStyle.Render("Open Dynamic Proxy Success, listen addr is ")+addrStyle.Render(addr)+successStyle.Render("."))
}

func printInconclusive(w io.Writer, addr, url string, err error) {
	fmt.Fprintln(w, successStyle.Render("Listen ")+addrStyle.Render(addr)+successStyle.Render(" success, ")+
		failStyle.Render(fmt.Sprintf("but a little error happened when checking the tunnel through %s:", url)))
	fmt.Fprintln(w, failStyle.Render(err.Error()))
}

func printStopped(w io.Writer, found bool) {
	if found {
		fmt.Fprintln(w, stopStyle.Render("Stop Success!"))
		return
	}
	fmt.Fprintln(w, idleStyle.Render("No Process to Kill."))
}
