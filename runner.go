package sandbox

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	v8 "github.com/tommie/v8go"
)

// Runner executes one snippet at a time, each in a fresh isolate with a
// heap cap and a wall-clock watchdog. Failures of any kind — guest throw,
// timeout, heap exhaustion, host-side marshaling — come back as a sentinel
// string; Run never fails at the Go level.
type Runner struct {
	cfg      Config
	log      zerolog.Logger
	inflight atomic.Int32
}

func NewRunner(cfg Config, log zerolog.Logger) *Runner {
	return &Runner{cfg: cfg, log: log}
}

// InflightFetches reports the current outbound request count, for metrics.
func (r *Runner) InflightFetches() int {
	return int(r.inflight.Load())
}

var errEvalTimeout = errors.New("evaluation timed out")

// Run shapes and executes the snippet, returning the stringified result
// truncated to the configured length.
func (r *Runner) Run(code string, msg map[string]any) (out string) {
	start := time.Now()
	deadline := start.Add(r.cfg.EvalTimeout)
	logger := r.log.With().Str("eval", uuid.NewString()).Logger()

	heap := uint64(r.cfg.MemoryLimitMB) * 1024 * 1024
	iso := v8.NewIsolate(v8.WithResourceConstraints(heap/2, heap))
	ctx := v8.NewContext(iso)
	el := newEventLoop()
	bridge := newFetchBridge(r.cfg, ContextFromMessage(msg), &r.inflight, el, logger)

	// iso.TerminateExecution is the one thread-safe V8 call.
	var timedOut atomic.Bool
	watchdog := time.AfterFunc(r.cfg.EvalTimeout, func() {
		timedOut.Store(true)
		iso.TerminateExecution()
	})

	defer iso.Dispose()
	defer ctx.Close()
	defer watchdog.Stop()
	defer bridge.reset()
	defer func() {
		if rec := recover(); rec != nil {
			if timedOut.Load() {
				out = r.timeoutSentinel()
			} else {
				out = fmt.Sprintf("🚫 IsolateError: %v", rec)
			}
			logger.Warn().Str("result", out).Msg("isolate died")
		}
		out = truncateUTF16(out, r.cfg.MaxResultLength)
		logger.Debug().Dur("took", time.Since(start)).Msg("evaluation finished")
	}()

	// Conventional alias for the guest's own global object.
	if err := ctx.Global().Set("global", ctx.Global()); err != nil {
		return "🚫 EvalError: " + err.Error()
	}
	if err := injectUtils(iso, ctx, logger); err != nil {
		logger.Error().Err(err).Msg("injecting guest utils")
		return "🚫 EvalError: " + err.Error()
	}
	if err := bridge.install(iso, ctx); err != nil {
		logger.Error().Err(err).Msg("installing fetch bridge")
		return "🚫 EvalError: " + err.Error()
	}

	script, err := shapeScript(code, msg)
	if err != nil {
		return "🚫 EvalError: " + err.Error()
	}

	val, err := ctx.RunScript(script, "potat.js")
	if err != nil {
		return r.errorSentinel(err, timedOut.Load())
	}

	resolved, err := awaitValue(ctx, el, val, deadline)
	if err != nil {
		if timedOut.Load() || errors.Is(err, errEvalTimeout) {
			return r.timeoutSentinel()
		}
		return "🚫 " + err.Error()
	}
	return resolved.String()
}

func (r *Runner) timeoutSentinel() string {
	return fmt.Sprintf("🚫 TimeoutError: evaluation timed out after %dms", r.cfg.EvalTimeout.Milliseconds())
}

// errorSentinel renders a RunScript failure. JS exceptions already carry
// their constructor name in the message ("TypeError: x").
func (r *Runner) errorSentinel(err error, timedOut bool) string {
	if timedOut {
		return r.timeoutSentinel()
	}
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		return "🚫 " + strings.TrimPrefix(jsErr.Message, "Uncaught ")
	}
	return "🚫 EvalError: " + err.Error()
}

// awaitValue resolves a potentially-promise value by pumping the microtask
// queue and delivering outbound request results until the promise settles
// or the deadline passes. Rejections come back as an error whose text is
// the guest-side "Name: message" rendering.
func awaitValue(ctx *v8.Context, el *eventLoop, val *v8.Value, deadline time.Time) (*v8.Value, error) {
	if val == nil || !val.IsPromise() {
		return val, nil
	}

	if err := ctx.Global().Set("__potat_await_input", val); err != nil {
		return nil, fmt.Errorf("setting await input: %w", err)
	}
	_, err := ctx.RunScript(`
		delete globalThis.__potat_await_result;
		delete globalThis.__potat_await_state;
		Promise.resolve(globalThis.__potat_await_input).then(
			function (r) { globalThis.__potat_await_result = r; globalThis.__potat_await_state = 'fulfilled'; },
			function (e) {
				globalThis.__potat_await_result = (e instanceof Error)
					? e.constructor.name + ': ' + e.message
					: String(e);
				globalThis.__potat_await_state = 'rejected';
			}
		);
		delete globalThis.__potat_await_input;
	`, "await.js")
	if err != nil {
		return nil, fmt.Errorf("setting up promise await: %w", err)
	}

	for {
		ctx.PerformMicrotaskCheckpoint()
		el.drainReady(ctx)

		stateVal, err := ctx.Global().Get("__potat_await_state")
		if err != nil {
			return nil, fmt.Errorf("checking promise state: %w", err)
		}
		if !stateVal.IsUndefined() {
			break
		}
		if time.Now().After(deadline) {
			return nil, errEvalTimeout
		}
		el.wait(deadline)
	}

	stateVal, _ := ctx.Global().Get("__potat_await_state")
	resultVal, _ := ctx.Global().Get("__potat_await_result")
	_, _ = ctx.RunScript("delete globalThis.__potat_await_result; delete globalThis.__potat_await_state;", "await_cleanup.js")

	if stateVal.String() == "rejected" {
		return nil, errors.New(resultVal.String())
	}
	return resultVal, nil
}

// truncateUTF16 bounds a string to limit UTF-16 code units without
// splitting a rune.
func truncateUTF16(s string, limit int) string {
	units := 0
	for i, r := range s {
		n := 1
		if r > 0xFFFF {
			n = 2
		}
		if units+n > limit {
			return s[:i]
		}
		units += n
	}
	return s
}
