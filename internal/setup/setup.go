// Package setup holds the interactive first-run questions.
package setup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/manifoldco/promptui"
)

type Prompter interface {
	Confirm(label string) (bool, error)
	Ask(label, defaultValue string, secret bool) (string, error)
}

// Terminal prompts on the controlling terminal. Nil streams mean stdin/stdout.
type Terminal struct {
	In  io.ReadCloser
	Out io.WriteCloser
}

func (t Terminal) Confirm(label string) (bool, error) {
	p := promptui.Prompt{
		Label:     label,
		IsConfirm: true,
		Stdin:     t.In,
		Stdout:    t.Out,
	}
	if _, err := p.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (t Terminal) Ask(label, defaultValue string, secret bool) (string, error) {
	p := promptui.Prompt{
		Label:   label,
		Default: defaultValue,
		Stdin:   t.In,
		Stdout:  t.Out,
		Validate: func(s string) error {
			if strings.TrimSpace(s) == "" {
				return errors.New("value must not be empty")
			}
			return nil
		},
	}
	if secret {
		p.Mask = '*'
	}
	return p.Run()
}

// AskHeadless asks whether the automated browser should run without a window.
func AskHeadless(p Prompter) (bool, error) {
	headless, err := p.Confirm("Run the browser in headless mode")
	if err != nil {
		return false, fmt.Errorf("headless prompt: %w", err)
	}
	return headless, nil
}

// CaptureCredentials offers to write the retailer credentials into envFile.
// Other keys already in the file are kept. It reports whether the file was
// written.
func CaptureCredentials(p Prompter, envFile string) (bool, error) {
	ok, err := p.Confirm(fmt.Sprintf("Save ProShop credentials to %s", envFile))
	if err != nil {
		return false, fmt.Errorf("credentials prompt: %w", err)
	}
	if !ok {
		return false, nil
	}

	env, err := godotenv.Read(envFile)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return false, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
		env = map[string]string{}
	}

	questions := []struct {
		key    string
		label  string
		secret bool
	}{
		{"PROSHOP_USERNAME", "ProShop username (email)", false},
		{"PROSHOP_PASSWORD", "ProShop password", true},
		{"PROSHOP_REALNAME", "Name shown after login", false},
	}

	for _, q := range questions {
		def := env[q.key]
		if q.secret {
			def = ""
		}
		answer, err := p.Ask(q.label, def, q.secret)
		if err != nil {
			return false, fmt.Errorf("%s prompt: %w", q.key, err)
		}
		env[q.key] = strings.TrimSpace(answer)
	}

	if dir := filepath.Dir(envFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return false, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	if err := godotenv.Write(env, envFile); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", envFile, err)
	}
	if err := os.Chmod(envFile, 0o600); err != nil {
		return true, fmt.Errorf("failed to restrict %s: %w", envFile, err)
	}

	return true, nil
}
