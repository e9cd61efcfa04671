package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/charmbracelet/huh"
)

// errPromptCancelled is returned when the user aborts a wizard (Ctrl+C / Esc).
var errPromptCancelled = errors.New("cancelled")

// SelectOption is one entry of a select or multi-select prompt.
type SelectOption[T any] struct {
	Label string
	Value T
}

// filterAbove turns on type-to-filter for lists longer than this.
const filterAbove = 5

func runField(field huh.Field) error {
	err := huh.NewForm(huh.NewGroup(field)).WithShowHelp(true).Run()
	if errors.Is(err, huh.ErrUserAborted) {
		return errPromptCancelled
	}
	return err
}

// promptString asks for a line of text. An empty answer yields defaultVal,
// which is shown as the placeholder. Validators run on the raw answer.
func promptString(title, description, defaultVal string, validate ...func(string) error) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).Description(description).Placeholder(defaultVal).Value(&value)
	if len(validate) > 0 {
		inp = inp.Validate(func(s string) error {
			if s == "" {
				s = defaultVal
			}
			for _, fn := range validate {
				if err := fn(s); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := runField(inp); err != nil {
		return "", err
	}
	if value == "" {
		return defaultVal, nil
	}
	return value, nil
}

// promptPassword asks for a secret with hidden echo.
func promptPassword(title, description string) (string, error) {
	var value string
	inp := huh.NewInput().Title(title).Description(description).EchoMode(huh.EchoModePassword).Value(&value)
	if err := runField(inp); err != nil {
		return "", err
	}
	return value, nil
}

func huhOptions[T comparable](options []SelectOption[T], selected func(int, T) bool) []huh.Option[T] {
	out := make([]huh.Option[T], len(options))
	for i, opt := range options {
		out[i] = huh.NewOption(opt.Label, opt.Value).Selected(selected(i, opt.Value))
	}
	return out
}

// promptSelect picks one option; defaultIdx is preselected when in range.
func promptSelect[T comparable](title string, options []SelectOption[T], defaultIdx int) (T, error) {
	var value T
	sel := huh.NewSelect[T]().
		Title(title).
		Options(huhOptions(options, func(i int, _ T) bool { return i == defaultIdx })...).
		Filtering(len(options) > filterAbove).
		Value(&value)
	if err := runField(sel); err != nil {
		var zero T
		return zero, err
	}
	return value, nil
}

// promptMultiSelect picks any number of options, starting from preselected.
func promptMultiSelect[T comparable](title, description string, options []SelectOption[T], preselected []T) ([]T, error) {
	pre := make(map[T]bool, len(preselected))
	for _, v := range preselected {
		pre[v] = true
	}
	var values []T
	ms := huh.NewMultiSelect[T]().
		Title(title).
		Description(description).
		Options(huhOptions(options, func(_ int, v T) bool { return pre[v] })...).
		Filtering(len(options) > filterAbove).
		Value(&values)
	if err := runField(ms); err != nil {
		return nil, err
	}
	return values, nil
}

// promptConfirm asks a yes/no question.
func promptConfirm(title string, defaultYes bool) (bool, error) {
	value := defaultYes
	c := huh.NewConfirm().Title(title).Affirmative("Yes").Negative("No").Value(&value)
	if err := runField(c); err != nil {
		return false, err
	}
	return value, nil
}

func validatePort(s string) error {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("port must be 1-65535")
	}
	return nil
}

func validateRequired(s string) error {
	if s == "" {
		return errors.New("required")
	}
	return nil
}
