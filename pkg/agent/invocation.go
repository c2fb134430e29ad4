// Package agent implements the reasoning orchestrator: the streaming
// tokenizer that intercepts tool blocks in the LLM output, the tool block
// parser, the invocation executor, and the session loop that drives one task
// to completion under step, token, and wall-clock budgets.
package agent

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// InvocationKind distinguishes the variants of a parsed invocation tree.
type InvocationKind string

// Invocation kinds.
const (
	InvocationSingle     InvocationKind = "single"
	InvocationParallel   InvocationKind = "parallel"
	InvocationSequential InvocationKind = "sequential"
)

// Invocation is the parsed form of one tool block. For Single, Server,
// Action, and Args are populated; for Parallel/Sequential, Children holds
// the leaf invocations in positional order. Nesting is at most one level;
// children are always Single.
type Invocation struct {
	Kind InvocationKind

	Server string
	Action string
	Args   map[string]any

	Children []*Invocation

	// Warnings collects non-fatal findings (unknown parameters) to be
	// recorded on the tool_call step.
	Warnings []string
}

// placeholderPattern matches {results[k]} and {results[k].dotted.path}
// references inside sequential-block string parameters.
var placeholderPattern = regexp.MustCompile(`\{results\[(\d+)\](\.[A-Za-z0-9_][A-Za-z0-9_.]*)?\}`)

// placeholderRef is one parsed placeholder occurrence.
type placeholderRef struct {
	Index int
	Path  string // dotted path without the leading dot; empty for whole result
}

// findPlaceholder returns the first placeholder in a string parameter, per
// the tie-break rule that only the first match per string is substituted.
// Doubled braces escape: "{{results[0]}}" is literal.
func findPlaceholder(value string) (placeholderRef, string, bool) {
	search := value
	offset := 0
	for {
		loc := placeholderPattern.FindStringSubmatchIndex(search)
		if loc == nil {
			return placeholderRef{}, "", false
		}
		start, end := loc[0], loc[1]
		// Escaped form: brace doubled on both sides.
		if abs := offset + start; abs > 0 && abs+((end-start)) < len(value) &&
			value[abs-1] == '{' && value[offset+end] == '}' {
			offset += end
			search = value[offset:]
			continue
		}

		k, err := strconv.Atoi(search[loc[2]:loc[3]])
		if err != nil {
			return placeholderRef{}, "", false
		}
		path := ""
		if loc[4] >= 0 {
			path = strings.TrimPrefix(search[loc[4]:loc[5]], ".")
		}
		return placeholderRef{Index: k, Path: path}, value[offset+start : offset+end], true
	}
}

// unescapeBraces collapses doubled braces after substitution.
func unescapeBraces(value string) string {
	value = strings.ReplaceAll(value, "{{", "{")
	return strings.ReplaceAll(value, "}}", "}")
}

// Fingerprint canonicalizes an invocation for loop detection: server,
// action, and sorted argument key/values of every leaf, joined in positional
// order.
func (inv *Invocation) Fingerprint() string {
	var sb strings.Builder
	var walk func(node *Invocation)
	walk = func(node *Invocation) {
		if node.Kind != InvocationSingle {
			sb.WriteString(string(node.Kind))
			sb.WriteString("(")
			for i, child := range node.Children {
				if i > 0 {
					sb.WriteString(",")
				}
				walk(child)
			}
			sb.WriteString(")")
			return
		}
		sb.WriteString(node.Server)
		sb.WriteString(".")
		sb.WriteString(node.Action)
		sb.WriteString("{")
		sb.WriteString(canonicalArgs(node.Args))
		sb.WriteString("}")
	}
	walk(inv)
	return sb.String()
}

func canonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, args[k]))
	}
	return strings.Join(parts, ",")
}

// Render re-serializes the invocation tree into dialect form. Argument
// payloads render as JSON objects (keys sorted by json.Marshal), so parsing
// the rendered text yields the same tree.
func (inv *Invocation) Render() string {
	var sb strings.Builder
	inv.render(&sb)
	return sb.String()
}

func (inv *Invocation) render(sb *strings.Builder) {
	if inv.Kind != InvocationSingle {
		tag := "parallel"
		if inv.Kind == InvocationSequential {
			tag = "sequential"
		}
		sb.WriteString("<" + tag + ">")
		for _, child := range inv.Children {
			child.render(sb)
		}
		sb.WriteString("</" + tag + ">")
		return
	}

	sb.WriteString("<" + inv.Server + "><" + inv.Action + ">")
	if len(inv.Args) > 0 {
		payload, err := json.Marshal(inv.Args)
		if err == nil {
			sb.Write(payload)
		}
	}
	sb.WriteString("</" + inv.Action + "></" + inv.Server + ">")
}
