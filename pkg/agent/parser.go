package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/weftworks/loom/pkg/catalog"
)

// ParseErrorKind classifies tool block parse failures. Kinds are surfaced to
// the LLM inside a parse_error result so it can correct itself.
type ParseErrorKind string

// Parse error kinds.
const (
	ParseErrEmptyBlock     ParseErrorKind = "empty_block"
	ParseErrUnknownServer  ParseErrorKind = "unknown_server"
	ParseErrUnknownAction  ParseErrorKind = "unknown_action"
	ParseErrMalformed      ParseErrorKind = "malformed"
	ParseErrMissingParam   ParseErrorKind = "missing_param"
	ParseErrBadPlaceholder ParseErrorKind = "bad_placeholder"
	ParseErrNestedBlock    ParseErrorKind = "nested_block"
)

// ParseError describes why a tool block could not be turned into an
// invocation tree.
type ParseError struct {
	Kind    ParseErrorKind
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func parseErrorf(kind ParseErrorKind, format string, args ...any) *ParseError {
	return &ParseError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Parser turns the inner bytes of one captured tool block into an
// Invocation tree, resolving server and action names against the catalog.
type Parser struct {
	catalog *catalog.Catalog
	log     *slog.Logger
}

// NewParser creates a parser bound to an immutable catalog.
func NewParser(cat *catalog.Catalog) *Parser {
	return &Parser{catalog: cat, log: slog.With("component", "parser")}
}

// Parse processes the invocation elements of one tool block. The input is
// the tokenizer's Inner capture: zero or more top-level elements with the
// execute trigger already stripped.
func (p *Parser) Parse(inner string) (*Invocation, *ParseError) {
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return nil, parseErrorf(ParseErrEmptyBlock, "tool block contains no invocation")
	}

	name, body, rest, perr := readElement(inner)
	if perr != nil {
		return nil, perr
	}
	if strings.TrimSpace(rest) != "" {
		return nil, parseErrorf(ParseErrMalformed,
			"a tool block holds exactly one top-level element, found trailing content after </%s>", name)
	}

	switch name {
	case "parallel":
		return p.parseGroup(InvocationParallel, body)
	case "sequential":
		return p.parseGroup(InvocationSequential, body)
	default:
		return p.parseLeaf(name, body, -1)
	}
}

// parseGroup handles <parallel> and <sequential> bodies: one or more leaf
// invocations, nothing else.
func (p *Parser) parseGroup(kind InvocationKind, body string) (*Invocation, *ParseError) {
	group := &Invocation{Kind: kind}

	rest := strings.TrimSpace(body)
	for rest != "" {
		name, childBody, remainder, perr := readElement(rest)
		if perr != nil {
			return nil, perr
		}
		if name == "parallel" || name == "sequential" {
			return nil, parseErrorf(ParseErrNestedBlock,
				"<%s> cannot contain another composite block; children must be single invocations", kind)
		}

		seqIndex := -1
		if kind == InvocationSequential {
			seqIndex = len(group.Children)
		}
		leaf, perr := p.parseLeaf(name, childBody, seqIndex)
		if perr != nil {
			return nil, perr
		}
		group.Children = append(group.Children, leaf)
		group.Warnings = append(group.Warnings, leaf.Warnings...)
		leaf.Warnings = nil

		rest = strings.TrimSpace(remainder)
	}

	if len(group.Children) == 0 {
		return nil, parseErrorf(ParseErrEmptyBlock, "<%s> block has no children", kind)
	}
	return group, nil
}

// parseLeaf handles <server><action>payload</action></server>. seqIndex is
// the child's position within a sequential block, or -1 outside one;
// placeholders are only legal when seqIndex >= 0.
func (p *Parser) parseLeaf(serverTag, body string, seqIndex int) (*Invocation, *ParseError) {
	server, err := p.catalog.Resolve(serverTag)
	if err != nil {
		return nil, parseErrorf(ParseErrUnknownServer,
			"unknown server %q; available: %s", serverTag, strings.Join(p.catalog.Servers(), ", "))
	}

	actionTag, payload, rest, perr := readElement(strings.TrimSpace(body))
	if perr != nil {
		// No inner element: the body is a bare payload for the server's
		// default action.
		if def := p.catalog.DefaultAction(server); def != "" {
			actionTag, payload = def, body
		} else {
			return nil, parseErrorf(ParseErrMalformed,
				"server %q requires an explicit <action> element", server)
		}
	} else if strings.TrimSpace(rest) != "" {
		return nil, parseErrorf(ParseErrMalformed,
			"server %q holds exactly one action element", server)
	}

	action, err := p.catalog.ResolveAction(server, actionTag)
	if err != nil {
		return nil, parseErrorf(ParseErrUnknownAction, "unknown action %q on server %q", actionTag, server)
	}

	inv := &Invocation{Kind: InvocationSingle, Server: server, Action: action}
	if perr := p.parsePayload(inv, payload); perr != nil {
		return nil, perr
	}
	if perr := p.validateParams(inv); perr != nil {
		return nil, perr
	}
	if perr := validatePlaceholders(inv, seqIndex); perr != nil {
		return nil, perr
	}
	return inv, nil
}

// parsePayload decodes the action body. JSON objects map directly to
// arguments; JSON arrays and scalars, or any non-JSON body, become the
// value of the action's default parameter.
func (p *Parser) parsePayload(inv *Invocation, payload string) *ParseError {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		inv.Args = map[string]any{}
		return nil
	}

	if trimmed[0] == '{' || trimmed[0] == '[' {
		var decoded any
		if err := json.Unmarshal([]byte(trimmed), &decoded); err == nil {
			if obj, ok := decoded.(map[string]any); ok {
				inv.Args = obj
				return nil
			}
			return p.wrapDefaultParam(inv, decoded)
		}
		// Code payloads often start with a brace without being JSON;
		// fall through to raw-string handling.
	}
	return p.wrapDefaultParam(inv, trimmed)
}

func (p *Parser) wrapDefaultParam(inv *Invocation, value any) *ParseError {
	param, err := p.catalog.DefaultParam(inv.Server, inv.Action)
	if err != nil || param == "" {
		return parseErrorf(ParseErrMalformed,
			"action %q on server %q only accepts a JSON object payload", inv.Action, inv.Server)
	}
	inv.Args = map[string]any{param: value}
	return nil
}

// validateParams checks required parameters and logs unknown ones as
// warnings on the step.
func (p *Parser) validateParams(inv *Invocation) *ParseError {
	schema, err := p.catalog.Schema(inv.Server, inv.Action)
	if err != nil {
		return parseErrorf(ParseErrUnknownAction, "%v", err)
	}

	known := make(map[string]bool, len(schema))
	for _, param := range schema {
		known[param.Name] = true
		if param.Required {
			if _, ok := inv.Args[param.Name]; !ok {
				return parseErrorf(ParseErrMissingParam,
					"action %q on server %q requires parameter %q", inv.Action, inv.Server, param.Name)
			}
		}
	}
	for name := range inv.Args {
		if !known[name] {
			warning := fmt.Sprintf("unknown parameter %q for %s.%s", name, inv.Server, inv.Action)
			inv.Warnings = append(inv.Warnings, warning)
			p.log.Warn("tool block carries unknown parameter",
				"server", inv.Server, "action", inv.Action, "parameter", name)
		}
	}
	return nil
}

// validatePlaceholders checks placeholder references in string parameters.
// Outside a sequential block any placeholder is an error; inside one, the
// referenced index must precede the child's own position.
func validatePlaceholders(inv *Invocation, seqIndex int) *ParseError {
	for name, value := range inv.Args {
		str, ok := value.(string)
		if !ok {
			continue
		}
		ref, _, found := findPlaceholder(str)
		if !found {
			continue
		}
		if seqIndex < 0 {
			return parseErrorf(ParseErrBadPlaceholder,
				"parameter %q references {results[%d]} outside a <sequential> block", name, ref.Index)
		}
		if ref.Index >= seqIndex {
			return parseErrorf(ParseErrBadPlaceholder,
				"child %d references results[%d], which does not precede it", seqIndex, ref.Index)
		}
	}
	return nil
}

// readElement consumes one leading element from s: its name, inner body,
// and the remaining input after the close tag.
func readElement(s string) (name, body, rest string, perr *ParseError) {
	s = strings.TrimSpace(s)
	if s == "" || s[0] != '<' {
		return "", "", "", parseErrorf(ParseErrMalformed, "expected an element, found %q", snippet(s))
	}
	gt := strings.IndexByte(s, '>')
	if gt < 0 {
		return "", "", "", parseErrorf(ParseErrMalformed, "unterminated tag %q", snippet(s))
	}
	name = tagName(s[1:gt])
	if name == "" {
		return "", "", "", parseErrorf(ParseErrMalformed, "invalid tag %q", snippet(s[:gt+1]))
	}

	end := findElementEnd(s, name)
	if end < 0 {
		return "", "", "", parseErrorf(ParseErrMalformed, "missing </%s>", name)
	}
	body = s[gt+1 : end-len(name)-3] // strip "</name>"
	return name, body, s[end:], nil
}

func snippet(s string) string {
	if len(s) > 40 {
		return s[:40] + "…"
	}
	return s
}
