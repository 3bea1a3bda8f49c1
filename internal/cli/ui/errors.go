package ui

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
	"github.com/fatih/color"
)

// ErrorLevel represents the severity of an error message
type ErrorLevel int

const (
	ErrorLevelError ErrorLevel = iota
	ErrorLevelWarning
)

// ErrorOptions configures the error message formatting
type ErrorOptions struct {
	Level        ErrorLevel
	Context      string
	Problem      string
	Consequence  string
	Suggestions  []string
	HelpCommands []string
	NoColor      bool
}

// FormatError renders an error with its context, suggestions and follow-up commands
//
// Example output:
//
//	❌ INVALID DELTA: validation failed: item[tmp-1]: item/nmae: unknown attribute
//
//	   Did you mean: item/name?
//
//	   → Check the registry: attrdb registry check
func FormatError(opts ErrorOptions) string {
	var b strings.Builder

	header := color.New(color.FgRed, color.Bold)
	body := color.New(color.FgRed)
	symbol := "❌"
	if opts.Level == ErrorLevelWarning {
		header = color.New(color.FgYellow, color.Bold)
		body = color.New(color.FgYellow)
		symbol = "⚠️"
	}
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	if opts.NoColor {
		for _, c := range []*color.Color{header, body, yellow, cyan} {
			c.DisableColor()
		}
	}

	if opts.Context != "" {
		header.Fprintf(&b, "%s %s: %s\n", symbol, opts.Context, opts.Problem)
	} else {
		header.Fprintf(&b, "%s %s\n", symbol, opts.Problem)
	}

	if opts.Consequence != "" {
		b.WriteString("\n")
		body.Fprintf(&b, "   %s\n", opts.Consequence)
	}

	if len(opts.Suggestions) > 0 {
		b.WriteString("\n")
		yellow.Fprintf(&b, "   Did you mean: %s?\n", strings.Join(opts.Suggestions, ", "))
	}

	if len(opts.HelpCommands) > 0 {
		b.WriteString("\n")
		for _, cmd := range opts.HelpCommands {
			cyan.Fprintf(&b, "   → %s\n", cmd)
		}
	}

	return b.String()
}

// WriteError writes a formatted error message to the writer
func WriteError(w io.Writer, opts ErrorOptions) {
	fmt.Fprint(w, FormatError(opts))
}

// FormatSuccess creates a success message
func FormatSuccess(message string, noColor bool) string {
	green := color.New(color.FgGreen, color.Bold)
	if noColor {
		green.DisableColor()
	}
	return green.Sprintf("✓ %s", message)
}

// WriteSuccess writes a success message to the writer
func WriteSuccess(w io.Writer, message string, noColor bool) {
	fmt.Fprintln(w, FormatSuccess(message, noColor))
}

// DescribeError maps a save or query failure to ErrorOptions. suggest, when set,
// proposes known attribute keys for an unknown one.
func DescribeError(err error, suggest func(key string) []string, noColor bool) ErrorOptions {
	opts := ErrorOptions{Level: ErrorLevelError, Problem: err.Error(), NoColor: noColor}

	var (
		validation *ormerr.ValidationError
		dependency *ormerr.UnresolvableDependencyError
		sequence   *ormerr.SequenceAllocationError
		constraint *ormerr.ConstraintViolationError
		connection *ormerr.ConnectionError
	)
	switch {
	case errors.As(err, &validation):
		opts.Context = "INVALID DELTA"
		opts.Consequence = "Nothing was sent to the database."
		if suggest != nil && validation.Attribute != "" && validation.Message == "unknown attribute" {
			opts.Suggestions = suggest(validation.Attribute)
		}
		opts.HelpCommands = []string{"Check the registry: attrdb registry check"}
	case errors.As(err, &dependency):
		opts.Context = "DEPENDENCY CYCLE"
		opts.Consequence = "Split the delta so one of the cycle's entities is saved first."
	case errors.As(err, &sequence):
		opts.Context = "SEQUENCE ALLOCATION FAILED"
		opts.Consequence = "The save was rolled back."
		opts.HelpCommands = []string{"Create missing sequences automatically: set auto_create_missing in attrdb.yml"}
	case errors.As(err, &constraint):
		opts.Context = "CONSTRAINT VIOLATION"
		opts.Consequence = "The save was rolled back. Placeholders may be reused."
	case errors.As(err, &connection):
		opts.Context = "DATABASE UNREACHABLE"
		opts.HelpCommands = []string{"Check the databases section of attrdb.yml"}
	}
	return opts
}
