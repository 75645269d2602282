// Package cli implements the terminal rendering used by the playrec command-line
// tools: a styled banner, section headers, aligned key/value listings and small
// histograms.
package cli

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("57")).
			Foreground(lipgloss.Color("15")).
			Padding(0, 2).
			Bold(true)
	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("81")).
			Bold(true)
	keyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

var ansiFilter = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// displayWidth of s removes its color/control sequences and returns the length of what is left.
func displayWidth(s string) int {
	return len(ansiFilter.ReplaceAllString(s, ""))
}

// terminalWidth returns the width of the attached terminal, or 80 columns when stdout
// is not a terminal.
func terminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// PrintTitle prints the styled program banner, centered.
func PrintTitle(title string) {
	fmt.Println()
	PrintCentered(titleStyle.Render(title))
	fmt.Println()
}

// PrintCentered prints the block with every line centered on the terminal.
func PrintCentered(block string) {
	lines := strings.Split(block, "\n")
	blockWidth := 0
	for _, line := range lines {
		blockWidth = max(blockWidth, displayWidth(line))
	}
	indent := max((terminalWidth()-blockWidth)/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			fmt.Println()
			continue
		}
		fmt.Printf("%s%s\n", strings.Repeat(" ", indent), line)
	}
}

// PrintSection prints a styled section header.
func PrintSection(name string) {
	fmt.Printf("\n%s\n", sectionStyle.Render(name))
}

// KV is one key/value row of a section listing.
type KV struct {
	Key   string
	Value string
}

// PrintKeyValues prints the rows with the values aligned in a second column.
func PrintKeyValues(rows []KV) {
	width := 0
	for _, row := range rows {
		width = max(width, len(row.Key))
	}
	for _, row := range rows {
		fmt.Printf("  %s  %s\n", keyStyle.Render(fmt.Sprintf("%-*s", width, row.Key)), row.Value)
	}
}

// PrintHistogram prints one bar per label, scaled so the largest count fills the bar
// area.
func PrintHistogram(labels []string, counts []int) {
	const barArea = 40
	largest, labelWidth := 1, 0
	for i, count := range counts {
		largest = max(largest, count)
		labelWidth = max(labelWidth, len(labels[i]))
	}
	for i, count := range counts {
		bar := strings.Repeat("█", count*barArea/largest)
		fmt.Printf("  %s %s %d\n",
			keyStyle.Render(fmt.Sprintf("%-*s", labelWidth, labels[i])),
			barStyle.Render(bar), count)
	}
}
