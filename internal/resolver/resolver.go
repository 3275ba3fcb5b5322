// Package resolver rewrites a user's latest message into explicit form using
// recent conversation turns, via one round-trip to a disambiguation model.
//
// Resolution never fails from the caller's point of view: any error degrades
// to echoing the raw message with no entities.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/qmuntal/stateless"
	"github.com/sashabaranov/go-openai"

	"github.com/comigor/continuum/internal/config"
	"github.com/comigor/continuum/internal/history"
	"github.com/comigor/continuum/internal/llm"
	"github.com/comigor/continuum/internal/logger"
)

// DefaultTimeout bounds the model round-trip when none is configured.
const DefaultTimeout = 5 * time.Second

// Failure kinds. They are logged, never returned by Resolve.
var (
	ErrNoCredential = errors.New("no model credential configured")
	ErrProvider     = errors.New("model call failed")
	ErrMalformed    = errors.New("model reply is not a JSON object")
	ErrInvalid      = errors.New("model reply failed validation")
)

// Result is the resolver output.
type Result struct {
	ResolvedQuery string   `json:"resolvedQuery"`
	Entities      []string `json:"entities"`
}

// Fallback is the degrade-to-identity result.
func Fallback(raw string) Result {
	return Result{ResolvedQuery: raw, Entities: []string{}}
}

// FSM states
type fsmState string

const (
	stateReady         fsmState = "Ready"
	stateAwaitingModel fsmState = "AwaitingModel"
	stateParsing       fsmState = "Parsing"
	stateResolved      fsmState = "Resolved" // Terminal: accepted rewrite
	stateDegraded      fsmState = "Degraded" // Terminal: fallback
)

// FSM triggers
type fsmTrigger string

const (
	triggerDispatch fsmTrigger = "Dispatch"
	triggerReplied  fsmTrigger = "ModelReplied"
	triggerAccepted fsmTrigger = "ResolutionAccepted"
	triggerFail     fsmTrigger = "Failed"
)

// Resolver holds only immutable configuration, so concurrent calls are safe.
type Resolver struct {
	client  llm.Client
	model   string
	timeout time.Duration
}

// New creates a resolver. A nil client means no credential is configured:
// every call then degrades without network I/O.
func New(client llm.Client, appCfg config.Config) *Resolver {
	timeout := appCfg.Resolver.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		client:  client,
		model:   appCfg.LLM.Model,
		timeout: timeout,
	}
}

// run is the per-call state threaded through the machine.
type run struct {
	request openai.ChatCompletionRequest
	reply   string
	result  Result
	stage   Stage
	err     error
}

// Resolve rewrites raw using recent as context. It always returns a result
// with a usable query; on any failure that query is raw itself.
func (r *Resolver) Resolve(ctx context.Context, recent []history.Message, raw string) (res Result) {
	log := logger.With("resolver")
	defer func() {
		if p := recover(); p != nil {
			log.Error("resolution panicked; using raw message", "panic", p)
			res = Fallback(raw)
		}
	}()

	if strings.TrimSpace(raw) == "" {
		return Fallback(raw)
	}

	res, stage, err := r.resolve(ctx, recent, raw)
	if err != nil {
		log.Warn("resolution failed; using raw message", "kind", Kind(err), "error", err)
		return Fallback(raw)
	}
	log.Debug("resolved query", "stage", stage, "entities", res.Entities)
	return res
}

// resolve drives one call through the machine and reports the failure that
// Resolve hides.
func (r *Resolver) resolve(ctx context.Context, recent []history.Message, raw string) (Result, Stage, error) {
	rn := &run{request: r.buildRequest(recent, raw)}
	if r.client == nil {
		rn.err = ErrNoCredential
	}

	fsm := r.machine(rn, logger.With("resolver"))
	for _, next := range []fsmTrigger{triggerDispatch, triggerReplied, triggerAccepted} {
		if rn.err != nil {
			break
		}
		if err := fsm.FireCtx(ctx, next); err != nil {
			return Fallback(raw), StageNone, fmt.Errorf("resolver state machine: %w", err)
		}
	}

	if rn.err != nil {
		if err := fsm.FireCtx(ctx, triggerFail); err != nil {
			return Fallback(raw), StageNone, errors.Join(rn.err, err)
		}
		return Fallback(raw), rn.stage, rn.err
	}
	return rn.result, rn.stage, nil
}

func (r *Resolver) machine(rn *run, log *slog.Logger) *stateless.StateMachine {
	fsm := stateless.NewStateMachine(stateReady)

	// State: Ready
	// Transitions:
	//   - On Dispatch -> AwaitingModel
	//   - On Failed -> Degraded (no credential)
	fsm.Configure(stateReady).
		Permit(triggerDispatch, stateAwaitingModel).
		Permit(triggerFail, stateDegraded)

	// State: AwaitingModel
	// Action: the single round-trip to the disambiguation model.
	fsm.Configure(stateAwaitingModel).
		OnEntry(func(ctx context.Context, _ ...any) error {
			rn.reply, rn.err = r.call(ctx, rn.request)
			return nil
		}).
		Permit(triggerReplied, stateParsing).
		Permit(triggerFail, stateDegraded)

	// State: Parsing
	// Action: run the parse chain and validate the object.
	fsm.Configure(stateParsing).
		OnEntry(func(_ context.Context, _ ...any) error {
			rn.result, rn.stage, rn.err = ParseResolution(rn.reply)
			return nil
		}).
		Permit(triggerAccepted, stateResolved).
		Permit(triggerFail, stateDegraded)

	fsm.Configure(stateResolved)
	fsm.Configure(stateDegraded)

	fsm.OnTransitioned(func(_ context.Context, t stateless.Transition) {
		log.Debug("FSM transition", "from", t.Source, "to", t.Destination, "trigger", t.Trigger)
	})
	return fsm
}

func (r *Resolver) call(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrProvider, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: response has no choices", ErrMalformed)
	}
	return resp.Choices[0].Message.Content, nil
}

// Kind names the failure class of err for logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, ErrProvider):
		return "provider"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrInvalid):
		return "invalid"
	default:
		return "internal"
	}
}
