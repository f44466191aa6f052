package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"
)

var startTime = time.Now()

const (
	colorReset    = "\033[0m"
	colorBold     = "\033[1m"
	colorPurple   = "\033[35m"
	colorNeonCyan = "\033[96m"
	colorNeonMag  = "\033[95m"
)

var spinnerFrames = []string{"◜", "◝", "◞", "◟"}

// termMu serialises terminal output so the status line redraw never
// interleaves with a log write.
var termMu sync.Mutex

var live struct {
	mu    sync.Mutex
	frame int
}

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return w
}

// IsTerminal reports whether stdout is an interactive terminal. The live
// dashboard is only drawn when it is.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

type termWriter struct{}

func (termWriter) Write(p []byte) (int, error) {
	termMu.Lock()
	defer termMu.Unlock()
	return os.Stderr.Write(p)
}

// NewTermWriter returns a writer for log output that is safe to use while
// the dashboard is being redrawn.
func NewTermWriter() *termWriter {
	return &termWriter{}
}

const bannerArt = `
   _____ __                       _
  / ___// /____  ____ _      __(_)_______
  \__ \/ __/ _ \/ __ \ | /| / / / ___/ _ \
 ___/ / /_/  __/ /_/ / |/ |/ / (__  )  __/
/____/\__/\___/ .___/|__/|__/_/____/\___/
            /_/
        >> RECORD ONCE. REPLAY ANYWHERE. <<
`

func PrintBanner() {
	fmt.Print("\033[2J\033[H")
	width := termWidth()
	for _, l := range strings.Split(bannerArt, "\n") {
		padding := max((width-len(l))/2, 0)
		fmt.Printf("%s%s%s\n", strings.Repeat(" ", padding), colorNeonCyan+l, colorReset)
	}
}

// InitializeTerminal reserves lines 1-11 for the banner and status line
// and scrolls logs from line 12 down.
func InitializeTerminal() {
	fmt.Print("\033[12;r")
	fmt.Print("\033[12;1H")
}

func CleanupTerminal() {
	fmt.Print("\033[r\033[2J\033[H")
}

// health classifies the time since the last heartbeat.
func health(since time.Duration) (string, string) {
	switch {
	case since < 40*time.Second:
		return "HEALTHY", colorNeonCyan
	case since < 90*time.Second:
		return "LAGGING", colorPurple
	default:
		return "OFFLINE", colorNeonMag
	}
}

// StatusLine renders s as the single dashboard line, without cursor
// control sequences.
func StatusLine(s Snapshot, now time.Time, frame int) string {
	pulse, pulseColor := health(now.Sub(s.LastHeartbeat))

	icon, roleColor := "·", colorReset
	switch s.Role {
	case RoleRecording:
		icon, roleColor = "⏺", colorNeonMag
	case RoleReplaying:
		icon, roleColor = "▶", colorNeonCyan
	case RoleConversing:
		icon, roleColor = "✎", colorPurple
	}

	spinner := " "
	if s.Role != RoleIdle {
		spinner = spinnerFrames[frame%len(spinnerFrames)]
	}

	task := s.ActiveTask
	if task == "" {
		task = "waiting"
	}
	if r := []rune(task); len(r) > 25 {
		task = string(r[:22]) + "..."
	}

	return fmt.Sprintf("%s[%s] %s%-7s%s | %s%s %-10s%s %s%s%s [%s] | runs %d active, %s%d ok%s, %d failed | up %v",
		colorReset,
		s.LastHeartbeat.Format("15:04:05"),
		pulseColor, pulse, colorReset,
		roleColor, icon, s.Role, colorReset,
		colorPurple, spinner, colorReset,
		task,
		s.ActiveRuns,
		colorBold, s.RunsSucceeded, colorReset,
		s.RunsFailed,
		now.Sub(startTime).Round(time.Second),
	)
}

// PrintLiveStatus redraws the status line on row 10.
func PrintLiveStatus() {
	live.mu.Lock()
	frame := live.frame
	live.frame++
	live.mu.Unlock()

	line := "\033[s\033[10;1H\033[K" + StatusLine(GetStatus(), time.Now(), frame) + "\033[u"

	termMu.Lock()
	fmt.Print(line)
	termMu.Unlock()
}
