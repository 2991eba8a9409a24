package events

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/spf13/afero"
)

// Writer emits the contents of a Storage
type Writer interface {
	Write(s *Storage) error
	Close() error
}

// MetricsFileName is the JSON-lines metrics file inside the output directory
const MetricsFileName = "metrics.json"

// JSONWriter appends one JSON object per write holding every scalar updated
// since the previous write, grouped by iteration.
type JSONWriter struct {
	file      afero.File
	window    int
	lastWrite int
}

// NewJSONWriter opens {dir}/metrics.json for appending
func NewJSONWriter(fs afero.Fs, dir string, window int) (*JSONWriter, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := fs.OpenFile(filepath.Join(dir, MetricsFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}
	return &JSONWriter{file: f, window: window, lastWrite: -1}, nil
}

// Write implements Writer
func (w *JSONWriter) Write(s *Storage) error {
	byIter := make(map[int]map[string]float64)
	for name, v := range s.LatestWithSmoothing(w.window) {
		if v.Iter <= w.lastWrite {
			continue
		}
		if byIter[v.Iter] == nil {
			byIter[v.Iter] = make(map[string]float64)
		}
		byIter[v.Iter][name] = v.Value
	}

	iters := make([]int, 0, len(byIter))
	for it := range byIter {
		iters = append(iters, it)
	}
	sort.Ints(iters)

	for _, it := range iters {
		row := make(map[string]any, len(byIter[it])+1)
		for k, v := range byIter[it] {
			row[k] = v
		}
		row["iteration"] = it
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("failed to encode metrics: %w", err)
		}
		if _, err := w.file.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to write metrics: %w", err)
		}
		w.lastWrite = it
	}
	return nil
}

// Close implements Writer
func (w *JSONWriter) Close() error {
	return w.file.Close()
}

var (
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	lossStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	etaStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// ConsoleWriter prints one line per write with the ETA, iteration, losses,
// timing and learning rate. Lines are styled when the output is a terminal.
type ConsoleWriter struct {
	out     io.Writer
	maxIter int
	window  int
	styled  bool

	lastIter int
}

// NewConsoleWriter creates a writer for a run of maxIter iterations
func NewConsoleWriter(out io.Writer, maxIter, window int) *ConsoleWriter {
	styled := false
	if f, ok := out.(*os.File); ok {
		styled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &ConsoleWriter{out: out, maxIter: maxIter, window: window, styled: styled, lastIter: -1}
}

func (w *ConsoleWriter) style(st lipgloss.Style, s string) string {
	if !w.styled {
		return s
	}
	return st.Render(s)
}

// Write implements Writer
func (w *ConsoleWriter) Write(s *Storage) error {
	iter := s.Iter()
	if iter == w.lastIter {
		return nil
	}
	latest := s.LatestWithSmoothing(w.window)

	var parts []string
	if eta := w.eta(s, iter); eta != "" {
		parts = append(parts, w.style(etaStyle, "eta: "+eta))
	}
	parts = append(parts, w.style(keyStyle, "iter:")+" "+w.style(valueStyle, fmt.Sprint(iter)))

	names := make([]string, 0, len(latest))
	for k := range latest {
		if strings.Contains(k, "loss") {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	for _, k := range names {
		parts = append(parts, w.style(keyStyle, k+":")+" "+w.style(lossStyle, fmt.Sprintf("%.4g", latest[k].Value)))
	}
	for _, k := range []string{"time", "data_time"} {
		if h, ok := s.History(k); ok {
			parts = append(parts, w.style(keyStyle, k+":")+" "+fmt.Sprintf("%.4f", h.Median(w.window)))
		}
	}
	if lr, ok := latest["lr"]; ok {
		parts = append(parts, w.style(keyStyle, "lr:")+" "+fmt.Sprintf("%.5g", lr.Value))
	}

	w.lastIter = iter
	_, err := fmt.Fprintln(w.out, strings.Join(parts, "  "))
	return err
}

func (w *ConsoleWriter) eta(s *Storage, iter int) string {
	if w.maxIter <= 0 || iter >= w.maxIter {
		return ""
	}
	h, ok := s.History("time")
	if !ok {
		return ""
	}
	secs := h.GlobalAvg() * float64(w.maxIter-iter-1)
	return time.Duration(secs * float64(time.Second)).Round(time.Second).String()
}

// Close implements Writer
func (w *ConsoleWriter) Close() error {
	return nil
}
