// Package contract implements the block-graph runner (C2): given a Contract
// and an execution context, it walks named blocks from a starting id,
// evaluating bytecode through the vm package, writing results into the
// session context, and handing AgentInteraction blocks off to a caller-
// supplied handler that may answer synchronously or request suspension.
package contract

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stelevm/stele/config"
	"github.com/stelevm/stele/session"
	"github.com/stelevm/stele/vm"
)

// OpKind tags the closed set of AST node operations a block may carry.
type OpKind string

const (
	// OpEvaluate runs Bytecode through the VM and writes the result at OutputPath.
	OpEvaluate OpKind = "evaluate"
	// OpTerminate ends the contract's execution as Completed.
	OpTerminate OpKind = "terminate"
	// OpLiteral writes Value to a synthetic context key derived from the block id.
	OpLiteral OpKind = "literal"
	// OpAgentInteraction renders PromptTemplate against context and defers to
	// the agent interaction handler.
	OpAgentInteraction OpKind = "agent_interaction"
)

// SourceLocation is an optional provenance marker for diagnostics.
type SourceLocation struct {
	File   string `json:"file,omitempty" yaml:"file,omitempty"`
	Line   int    `json:"line,omitempty" yaml:"line,omitempty"`
	Column int    `json:"column,omitempty" yaml:"column,omitempty"`
}

// Node is one block of a Contract's graph. Op selects which of the
// operation-specific fields are meaningful; this mirrors the AST node's
// closed sum type (Evaluate | Terminate | Literal | AgentInteraction)
// without resorting to an interface, so a single exhaustive switch on Op
// drives both execution and validation.
type Node struct {
	ID    string         `json:"id" yaml:"id"`
	Op    OpKind         `json:"op" yaml:"op"`
	Loc   SourceLocation `json:"loc,omitempty" yaml:"loc,omitempty"`
	// Metadata is the string-to-value map carried by every node; "next_block"
	// is read from here when present.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// Evaluate fields.
	Bytecode   []byte   `json:"bytecode,omitempty" yaml:"bytecode,omitempty"`
	OutputPath []string `json:"output_path,omitempty" yaml:"output_path,omitempty"`

	// Literal fields.
	Value any `json:"value,omitempty" yaml:"value,omitempty"`

	// AgentInteraction fields.
	AgentID        string `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	PromptTemplate string `json:"prompt_template,omitempty" yaml:"prompt_template,omitempty"`
}

// NextBlock reads the "next_block" metadata entry, if any.
func (n Node) NextBlock() (string, bool) {
	v, ok := n.Metadata["next_block"]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Contract is a versioned block graph: a start block, an ordered map from
// block id to Node, an initial_state literal node, and a permission set
// threaded through every FFI call the contract's Evaluate blocks make.
type Contract struct {
	Version       string          `json:"version" yaml:"version"`
	StartBlockID  string          `json:"start_block_id" yaml:"start_block_id"`
	Blocks        map[string]Node `json:"blocks" yaml:"blocks"`
	InitialState  Node            `json:"initial_state" yaml:"initial_state"`
	Permissions   vm.Permissions  `json:"permissions" yaml:"permissions"`
}

// Load reads a Contract from path, accepting either JSON or YAML (selected
// by file extension, see config.DetectFormat).
func Load(path string) (*Contract, error) {
	var c Contract
	if err := config.LoadFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// Save writes c to path in the format implied by its extension.
func Save(path string, c *Contract) error {
	return config.SaveFile(path, c)
}

// ErrorKind tokenizes C2/C4 failure modes.
type ErrorKind string

const (
	KindInvalidContract ErrorKind = "invalid_contract"
	KindOutOfGas        ErrorKind = "out_of_gas"
	KindInterpreterError ErrorKind = "interpreter_error"
	// KindCancelled marks a run that stopped because its context was
	// cancelled at a block boundary.
	KindCancelled ErrorKind = "cancelled"
)

// FlowError wraps a fatal failure with the block id it occurred in.
type FlowError struct {
	Kind    ErrorKind
	BlockID string
	Cause   error
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("contract: block %q: %s: %v", e.BlockID, e.Kind, e.Cause)
	}
	return fmt.Sprintf("contract: block %q: %s", e.BlockID, e.Kind)
}

func (e *FlowError) Unwrap() error { return e.Cause }

// AgentInteractionRequest is passed to an AgentHandler when a block's op is
// OpAgentInteraction.
type AgentInteractionRequest struct {
	BlockID string
	AgentID string
	Prompt  string
}

// AgentInteractionOutcome is either a synchronous Value or a suspension
// request; exactly one of Value or InteractionID is meaningful, selected by
// Suspended.
type AgentInteractionOutcome struct {
	Suspended     bool
	Value         vm.Value
	InteractionID string
}

// AgentHandler resolves an AgentInteraction block, either producing a value
// immediately or requesting the session suspend pending external input.
type AgentHandler func(ctx context.Context, req AgentInteractionRequest) (AgentInteractionOutcome, error)

// StepOutcome is the closed result of walking blocks until a natural
// stopping point: normal completion, suspension on AgentInteraction, or a
// fatal error.
type StepOutcome struct {
	Completed      bool
	Awaiting       *session.AwaitingInput
	NextBlockID    string // the suspended block's id; set only with Awaiting
	GasConsumed    int64
	HistoryAppends []session.HistoryEvent
}

// Run walks the contract's block graph starting at currentBlockID, applying
// each block's effect to execCtx, until it hits Terminate (Completed),
// AgentInteraction requiring suspension (Awaiting), or runs out of the
// supplied gas budget. It returns the accumulated gas consumed and history
// events regardless of outcome, so callers can account for partial progress
// even when the run ends in error.
func Run(ctx context.Context, c *Contract, execCtx *session.Context, currentBlockID string, gasBudget int64, registry *vm.Registry, handler AgentHandler) (StepOutcome, *FlowError) {
	var out StepOutcome
	blockID := currentBlockID
	remaining := gasBudget

	for {
		if err := ctx.Err(); err != nil {
			return out, &FlowError{Kind: KindCancelled, BlockID: blockID, Cause: err}
		}

		node, ok := c.Blocks[blockID]
		if !ok {
			return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: fmt.Errorf("unknown block id")}
		}
		out.HistoryAppends = append(out.HistoryAppends, session.HistoryEvent{Kind: session.HistoryBlockStarted, BlockID: blockID})

		if remaining <= 0 {
			return out, &FlowError{Kind: KindOutOfGas, BlockID: blockID}
		}

		switch node.Op {
		case OpLiteral:
			key := syntheticKey(blockID)
			if _, err := execCtx.Set([]string{key}, node.Value); err != nil {
				return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: err}
			}
			out.HistoryAppends = append(out.HistoryAppends, session.HistoryEvent{Kind: session.HistoryContextUpdated, BlockID: blockID})
			remaining--
			out.GasConsumed++

		case OpEvaluate:
			interp := vm.New(remaining)
			if err := interp.Execute(ctx, node.Bytecode, registry, c.Permissions); err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			consumed := remaining - interp.Gas()
			remaining = interp.Gas()
			out.GasConsumed += consumed

			stack := interp.StackView()
			var result vm.Value
			if len(stack) > 0 {
				result = stack[len(stack)-1]
			} else {
				result = vm.Null
			}
			jsonVal, err := result.ToJSON()
			if err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			var decoded any
			if err := json.Unmarshal(jsonVal, &decoded); err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			if len(node.OutputPath) > 0 {
				if _, err := execCtx.Set(node.OutputPath, decoded); err != nil {
					return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: err}
				}
			}
			out.HistoryAppends = append(out.HistoryAppends,
				session.HistoryEvent{Kind: session.HistoryBlockCompleted, BlockID: blockID},
				session.HistoryEvent{Kind: session.HistoryContextUpdated, BlockID: blockID},
			)

		case OpAgentInteraction:
			prompt := renderTemplate(node.PromptTemplate, execCtx)
			outcome, err := handler(ctx, AgentInteractionRequest{BlockID: blockID, AgentID: node.AgentID, Prompt: prompt})
			if err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			remaining--
			out.GasConsumed++
			if outcome.Suspended {
				out.Awaiting = &session.AwaitingInput{InteractionID: outcome.InteractionID, AgentID: node.AgentID, Prompt: prompt}
				out.NextBlockID = blockID
				return out, nil
			}
			jsonVal, err := outcome.Value.ToJSON()
			if err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			var decoded any
			if err := json.Unmarshal(jsonVal, &decoded); err != nil {
				return out, &FlowError{Kind: KindInterpreterError, BlockID: blockID, Cause: err}
			}
			key := syntheticKey(blockID)
			if _, err := execCtx.Set([]string{key}, decoded); err != nil {
				return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: err}
			}
			out.HistoryAppends = append(out.HistoryAppends, session.HistoryEvent{Kind: session.HistoryAgentInteraction, BlockID: blockID})

		case OpTerminate:
			out.Completed = true
			return out, nil

		default:
			return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: fmt.Errorf("unknown op %q", node.Op)}
		}

		next, ok := node.NextBlock()
		if !ok {
			return out, &FlowError{Kind: KindInvalidContract, BlockID: blockID, Cause: fmt.Errorf("missing next_block")}
		}
		blockID = next
	}
}

func syntheticKey(blockID string) string {
	return "block_" + strings.ReplaceAll(blockID, "/", "_")
}

// renderTemplate performs simple "{{path.to.value}}" substitution against
// the execution context; unresolved references are left verbatim so
// operators can spot template mistakes in the rendered prompt.
func renderTemplate(tmpl string, execCtx *session.Context) string {
	var b strings.Builder
	i := 0
	for i < len(tmpl) {
		start := strings.Index(tmpl[i:], "{{")
		if start < 0 {
			b.WriteString(tmpl[i:])
			break
		}
		start += i
		b.WriteString(tmpl[i:start])
		end := strings.Index(tmpl[start:], "}}")
		if end < 0 {
			b.WriteString(tmpl[start:])
			break
		}
		end += start
		path := strings.TrimSpace(tmpl[start+2 : end])
		if v, ok := execCtx.Get(strings.Split(path, ".")); ok {
			b.WriteString(stringify(v))
		} else {
			b.WriteString(tmpl[start : end+2])
		}
		i = end + 2
	}
	return b.String()
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
