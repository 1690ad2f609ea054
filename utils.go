package sandbox

import (
	_ "embed"
	"fmt"
	"sync"

	esbuild "github.com/evanw/esbuild/pkg/api"
	"github.com/rs/zerolog"
	v8 "github.com/tommie/v8go"
)

//go:embed utils.js
var utilsSource string

const maxConsoleLines = 100
const maxConsoleLineBytes = 2048

var (
	utilsOnce   sync.Once
	utilsBundle string
	utilsErr    error
)

// utilsScript returns the minified guest utility library. The source is
// run through esbuild once at first use, which both shrinks it and catches
// syntax errors before any isolate sees it.
func utilsScript() (string, error) {
	utilsOnce.Do(func() {
		result := esbuild.Transform(utilsSource, esbuild.TransformOptions{
			Target:           esbuild.ES2020,
			MinifyWhitespace: true,
			MinifySyntax:     true,
			LegalComments:    esbuild.LegalCommentsNone,
		})
		if len(result.Errors) > 0 {
			utilsErr = fmt.Errorf("bundling guest utils: %s", result.Errors[0].Text)
			return
		}
		utilsBundle = string(result.Code)
	})
	return utilsBundle, utilsErr
}

// injectUtils populates the guest global scope with helper bindings: a
// host-backed console and the bundled utility library.
func injectUtils(iso *v8.Isolate, ctx *v8.Context, log zerolog.Logger) error {
	if err := installConsole(iso, ctx, log); err != nil {
		return err
	}
	script, err := utilsScript()
	if err != nil {
		return err
	}
	if _, err := ctx.RunScript(script, "utils.js"); err != nil {
		return fmt.Errorf("injecting guest utils: %w", err)
	}
	return nil
}

// installConsole replaces globalThis.console with a Go-backed version that
// forwards guest output to the host logger, bounded in line count and size.
func installConsole(iso *v8.Isolate, ctx *v8.Context, log zerolog.Logger) error {
	console := v8.NewObjectTemplate(iso)
	obj, err := console.NewInstance(ctx)
	if err != nil {
		return fmt.Errorf("creating console object: %w", err)
	}

	lines := 0
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		lvl := level
		ft := v8.NewFunctionTemplate(iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			if lines >= maxConsoleLines {
				return v8.Undefined(iso)
			}
			lines++
			msg := ""
			for i, arg := range info.Args() {
				if i > 0 {
					msg += " "
				}
				msg += arg.String()
			}
			if len(msg) > maxConsoleLineBytes {
				msg = msg[:maxConsoleLineBytes]
			}
			log.Debug().Str("level", lvl).Msg("guest console: " + msg)
			return v8.Undefined(iso)
		})
		_ = obj.Set(lvl, ft.GetFunction(ctx))
	}

	return ctx.Global().Set("console", obj)
}
