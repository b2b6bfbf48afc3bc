package ollama

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	worker "github.com/lumenai/lumen-worker/internal"
)

// listTimeout bounds the `ollama list` invocation.
const listTimeout = 10 * time.Second

// Model is one entry of the local model catalogue.
type Model struct {
	Name    string       `json:"name"`
	Size    int64        `json:"size"`
	Details ModelDetails `json:"details"`
}

// ModelDetails mirrors the metadata block the host UI expects per model.
// The CLI listing does not expose these, so defaults stand in.
type ModelDetails struct {
	Format            string `json:"format"`
	Family            string `json:"family"`
	ParameterSize     string `json:"parameter_size"`
	QuantizationLevel string `json:"quantization_level"`
}

func defaultDetails() ModelDetails {
	return ModelDetails{Format: "gguf", Family: "llama", ParameterSize: "7B", QuantizationLevel: "Q4_0"}
}

// CLI shells out to the ollama binary for operations its HTTP API does not
// cover well from a packaged desktop app.
type CLI struct {
	bin string
}

// NewCLI returns a CLI using bin, or `ollama` from PATH when empty.
func NewCLI(bin string) *CLI {
	if bin == "" {
		bin = "ollama"
	}
	return &CLI{bin: bin}
}

// ListModels runs `ollama list` and parses its tabular output.
func (c *CLI) ListModels(ctx context.Context) ([]Model, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.bin, "list").Output()
	if err != nil {
		return nil, fmt.Errorf("ollama list: %w", err)
	}
	return parseListOutput(string(out)), nil
}

// parseListOutput turns `ollama list` table lines into models, skipping the
// header. The SIZE column appears either as "4.7 GB" or joined as "4.7GB";
// both are accepted.
func parseListOutput(out string) []Model {
	models := []Model{}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "NAME") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		m := Model{Name: fields[0], Details: defaultDetails()}
		m.Size = findSize(fields[1:])
		models = append(models, m)
	}
	return models
}

// findSize scans fields for a size expression: a bare number followed by a
// unit token, or a single joined number+unit token.
func findSize(fields []string) int64 {
	for i, f := range fields {
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			if i+1 < len(fields) {
				if mult, ok := unitMultiplier(fields[i+1]); ok {
					return int64(n * float64(mult))
				}
			}
			continue
		}
		if n, unit, ok := splitJoinedSize(f); ok {
			if mult, ok := unitMultiplier(unit); ok {
				return int64(n * float64(mult))
			}
		}
	}
	return 0
}

// splitJoinedSize splits "4.7GB" into (4.7, "GB").
func splitJoinedSize(s string) (float64, string, bool) {
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.') {
		i++
	}
	if i == 0 || i == len(s) {
		return 0, "", false
	}
	n, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", false
	}
	return n, s[i:], true
}

// unitMultiplier maps a size unit to bytes. Binary suffixes (KiB, GiB...)
// normalize to their decimal names; multipliers stay 1024-based either way.
func unitMultiplier(unit string) (int64, bool) {
	u := strings.ToUpper(strings.TrimSpace(unit))
	u = strings.Replace(u, "IB", "B", 1) // GiB -> GB
	switch u {
	case "B":
		return 1, true
	case "KB":
		return 1 << 10, true
	case "MB":
		return 1 << 20, true
	case "GB":
		return 1 << 30, true
	case "TB":
		return 1 << 40, true
	}
	return 0, false
}

// ansiPattern strips terminal escape sequences from CLI progress output.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]|\x1b\][^\x07]*\x07|[\x00-\x08\x0b-\x1f]`)

// spinnerRunes are the braille spinner frames ollama animates with.
const spinnerRunes = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

var percentPattern = regexp.MustCompile(`(\d+)%`)

// Pull runs `ollama pull model`, streaming cleaned progress lines through
// emit. percent is nil when the line carries no completion figure.
func (c *CLI) Pull(ctx context.Context, model string, emit func(message string, percent *int)) error {
	cmd := exec.CommandContext(ctx, c.bin, "pull", model)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ollama pull: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ollama pull: %w", err)
	}

	sc := bufio.NewScanner(stdout)
	sc.Split(scanProgressLines)
	var last string
	for sc.Scan() {
		msg := cleanProgressLine(sc.Text())
		if msg == "" || msg == last {
			continue
		}
		last = msg
		var pct *int
		if m := percentPattern.FindStringSubmatch(msg); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				pct = &n
			}
		}
		emit(msg, pct)
	}

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: ollama pull: %v", worker.ErrInvalidInput, err)
	}
	return nil
}

// scanProgressLines splits on both \n and \r, since ollama redraws its
// progress bar with carriage returns.
func scanProgressLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i, b := range data {
		if b == '\n' || b == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// cleanProgressLine removes escape codes and spinner frames, collapsing the
// line to plain text.
func cleanProgressLine(line string) string {
	line = ansiPattern.ReplaceAllString(line, "")
	var sb strings.Builder
	for _, r := range line {
		if !strings.ContainsRune(spinnerRunes, r) {
			sb.WriteRune(r)
		}
	}
	return strings.TrimSpace(sb.String())
}
