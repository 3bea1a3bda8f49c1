package ui

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/conduit-lang/attrdb/internal/orm/ormerr"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name     string
		opts     ErrorOptions
		contains []string
		excludes []string
	}{
		{
			name: "context and problem",
			opts: ErrorOptions{
				Context: "INVALID DELTA",
				Problem: "validation failed: item/nmae: unknown attribute",
			},
			contains: []string{"❌ INVALID DELTA: validation failed: item/nmae: unknown attribute\n"},
			excludes: []string{"Did you mean"},
		},
		{
			name: "suggestions and help",
			opts: ErrorOptions{
				Problem:      "unknown attribute",
				Suggestions:  []string{"item/name", "item/price"},
				HelpCommands: []string{"Check the registry: attrdb registry check"},
			},
			contains: []string{
				"❌ unknown attribute\n",
				"   Did you mean: item/name, item/price?\n",
				"   → Check the registry: attrdb registry check\n",
			},
		},
		{
			name: "warning",
			opts: ErrorOptions{
				Level:       ErrorLevelWarning,
				Problem:     "no databases configured",
				Consequence: "Only registry commands are available.",
			},
			contains: []string{"⚠️ no databases configured\n", "\n   Only registry commands are available.\n"},
			excludes: []string{"❌"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.NoColor = true
			out := FormatError(tt.opts)
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("expected output to contain %q, got:\n%s", s, out)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(out, s) {
					t.Errorf("expected output not to contain %q, got:\n%s", s, out)
				}
			}
		})
	}
}

func TestWriteSuccess(t *testing.T) {
	var buf bytes.Buffer
	WriteSuccess(&buf, "saved 3 entities", true)

	if buf.String() != "✓ saved 3 entities\n" {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestDescribeError(t *testing.T) {
	suggest := func(key string) []string {
		return FindSimilar(key, []string{"item/name", "item/price"}, nil)
	}

	tests := []struct {
		name        string
		err         error
		context     string
		suggestions []string
	}{
		{
			name:        "unknown attribute",
			err:         ormerr.Validationf("item[tmp-1]", "item/nmae", "unknown attribute"),
			context:     "INVALID DELTA",
			suggestions: []string{"item/name"},
		},
		{
			name:    "type mismatch gets no suggestions",
			err:     ormerr.Validationf("item[tmp-1]", "item/name", "expected string"),
			context: "INVALID DELTA",
		},
		{
			name:    "cycle",
			err:     &ormerr.UnresolvableDependencyError{Cycle: []string{"a[tmp-1]", "b[tmp-2]"}},
			context: "DEPENDENCY CYCLE",
		},
		{
			name:    "sequence",
			err:     &ormerr.SequenceAllocationError{Sequence: "items_id_seq", Requested: 2, Allocated: 1},
			context: "SEQUENCE ALLOCATION FAILED",
		},
		{
			name:    "wrapped constraint",
			err:     fmt.Errorf("save: %w", &ormerr.ConstraintViolationError{Kind: ormerr.ConstraintUnique}),
			context: "CONSTRAINT VIOLATION",
		},
		{
			name:    "connection",
			err:     &ormerr.ConnectionError{Err: errors.New("dial tcp: refused")},
			context: "DATABASE UNREACHABLE",
		},
		{
			name: "other",
			err:  errors.New("boom"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DescribeError(tt.err, suggest, true)
			if opts.Context != tt.context {
				t.Errorf("expected context %q, got %q", tt.context, opts.Context)
			}
			if opts.Problem != tt.err.Error() {
				t.Errorf("expected problem %q, got %q", tt.err.Error(), opts.Problem)
			}
			if strings.Join(opts.Suggestions, ",") != strings.Join(tt.suggestions, ",") {
				t.Errorf("expected suggestions %v, got %v", tt.suggestions, opts.Suggestions)
			}
			if !opts.NoColor {
				t.Error("expected NoColor to be carried")
			}
		})
	}
}
