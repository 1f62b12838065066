// mockagent is a scripted stand-in for real planner/reviewer and executor
// CLIs. It speaks the luigi invocation contract (--cd, --output-last-message,
// --resume, prompt as the final positional argument), routes on the PHASE
// sentinel, and replays responses from a YAML script. Because each
// invocation is a fresh process, per-phase progress is tracked in a state
// file next to the script.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step is one scripted response. Steps are consumed in order per phase.
type Step struct {
	Phase string `yaml:"phase"`
	// Response is the structured message written to the output file.
	Response map[string]any `yaml:"response"`
	// WriteFiles maps workspace-relative paths to contents written before
	// responding (executor steps).
	WriteFiles map[string]string `yaml:"write_files"`
	// ExitCode lets a step simulate an agent crash.
	ExitCode int `yaml:"exit_code"`
	// RequireResume fails the step unless --resume carried this session id.
	RequireResume string `yaml:"require_resume"`
}

// Script is the full scripted behavior for one mock agent.
type Script struct {
	Steps []Step `yaml:"steps"`
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "mockagent: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var scriptPath, cd, outPath, resume string
	var positional []string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--script":
			i++
			scriptPath = args[i]
		case "--cd":
			i++
			cd = args[i]
		case "--output-last-message":
			i++
			outPath = args[i]
		case "--resume":
			i++
			resume = args[i]
		default:
			positional = append(positional, args[i])
		}
	}
	if scriptPath == "" {
		scriptPath = os.Getenv("MOCKAGENT_SCRIPT")
	}
	if scriptPath == "" {
		return fmt.Errorf("no script: pass --script or set MOCKAGENT_SCRIPT")
	}
	if len(positional) == 0 {
		return fmt.Errorf("missing prompt argument")
	}
	prompt := positional[len(positional)-1]
	phase := phaseOf(prompt)

	script, err := loadScript(scriptPath)
	if err != nil {
		return err
	}

	step, err := nextStep(script, scriptPath, phase)
	if err != nil {
		return err
	}

	if step.RequireResume != "" && step.RequireResume != resume {
		return fmt.Errorf("expected --resume %s, got %q", step.RequireResume, resume)
	}

	for rel, content := range step.WriteFiles {
		target := filepath.Join(cd, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(target, []byte(content), 0644); err != nil {
			return err
		}
	}

	if step.ExitCode != 0 {
		os.Exit(step.ExitCode)
	}

	if outPath != "" && step.Response != nil {
		data, err := json.Marshal(step.Response)
		if err != nil {
			return err
		}
		if err := os.WriteFile(outPath, data, 0644); err != nil {
			return err
		}
	}
	return nil
}

func phaseOf(prompt string) string {
	line, _, _ := strings.Cut(prompt, "\n")
	if rest, ok := strings.CutPrefix(line, "PHASE: "); ok {
		return rest
	}
	return "UNKNOWN"
}

func loadScript(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	var script Script
	if err := yaml.Unmarshal(data, &script); err != nil {
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}
	return &script, nil
}

// nextStep picks the next unconsumed step for phase and advances the cursor
// persisted in <script>.state.
func nextStep(script *Script, scriptPath, phase string) (*Step, error) {
	statePath := scriptPath + ".state"
	cursors := map[string]int{}
	if data, err := os.ReadFile(statePath); err == nil {
		json.Unmarshal(data, &cursors)
	}

	seen := 0
	for i := range script.Steps {
		step := &script.Steps[i]
		if step.Phase != phase {
			continue
		}
		if seen == cursors[phase] {
			cursors[phase]++
			data, err := json.Marshal(cursors)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(statePath, data, 0644); err != nil {
				return nil, err
			}
			return step, nil
		}
		seen++
	}
	return nil, fmt.Errorf("script exhausted for phase %s", phase)
}
