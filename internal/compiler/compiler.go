// Package compiler invokes the external geometry compiler that turns a
// template plus parameters into a mesh file.
package compiler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ramiqadoumi/go-part-flow/internal/domain"
)

// Invocation is one compiler run: exactly one spec rendered to OutputPath.
type Invocation struct {
	Spec       domain.GeometrySpec
	OutputPath string
	WorkDir    string
}

// Result carries the captured process output.
type Result struct {
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Compiler renders a spec into a mesh. Implementations must honour ctx:
// when it is done the underlying process is killed and Compile returns.
type Compiler interface {
	Compile(ctx context.Context, inv Invocation) (Result, error)
}

// ExitError is returned when the compiler process ran but did not succeed.
type ExitError struct {
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("compiler exited with status %d", e.Code)
	}
	return fmt.Sprintf("compiler exited with status %d: %s", e.Code, e.StderrTail)
}

const stderrTailLen = 512

// OpenSCAD runs the openscad CLI against <templates>/<orientation>-socket.scad.
type OpenSCAD struct {
	binary       string
	templatesDir string
	waitDelay    time.Duration
	logger       *slog.Logger
}

// Option configures OpenSCAD.
type Option func(*OpenSCAD)

func WithLogger(l *slog.Logger) Option { return func(o *OpenSCAD) { o.logger = l } }

// WithWaitDelay bounds how long Compile waits for output pipes to close
// after the process has been killed.
func WithWaitDelay(d time.Duration) Option { return func(o *OpenSCAD) { o.waitDelay = d } }

// NewOpenSCAD returns a Compiler backed by the given binary.
func NewOpenSCAD(binary, templatesDir string, opts ...Option) *OpenSCAD {
	o := &OpenSCAD{
		binary:       binary,
		templatesDir: templatesDir,
		waitDelay:    2 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// TemplatePath returns the template used for orientation.
func (o *OpenSCAD) TemplatePath(orientation domain.Orientation) string {
	return filepath.Join(o.templatesDir, string(orientation)+"-socket.scad")
}

// Args builds the full argument list for inv.
func (o *OpenSCAD) Args(inv Invocation) []string {
	args := Params(inv.Spec)
	return append(args, "-o", inv.OutputPath, o.TemplatePath(inv.Spec.Orientation))
}

// Params returns one -D definition per template parameter. Parameters that
// do not apply to the spec are set to undef explicitly so template defaults
// never leak into the output.
func Params(s domain.GeometrySpec) []string {
	var p []string
	def := func(name, value string) { p = append(p, "-D", name+"="+value) }

	def("socketDiameter", mm(s.OuterDiameterMM))
	if s.Orientation == domain.OrientationHorizontal {
		def("socketLength", mm(s.LengthMM))
	} else {
		def("socketLength", "undef")
	}
	if s.IsMetric {
		def("labelMetric", strconv.Itoa(s.NominalMetric))
		def("labelNumerator", "undef")
		def("labelDenominator", "undef")
	} else {
		def("labelMetric", "undef")
		def("labelNumerator", strconv.Itoa(s.NominalNumerator))
		def("labelDenominator", strconv.Itoa(s.NominalDenominator))
	}
	def("labelPosition", strconv.Quote(s.LabelPosition))
	return p
}

func mm(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }

// Compile runs the compiler. The working directory is the templates
// directory so relative includes in templates resolve.
func (o *OpenSCAD) Compile(ctx context.Context, inv Invocation) (Result, error) {
	args := o.Args(inv)
	cmd := exec.CommandContext(ctx, o.binary, args...)
	cmd.Dir = o.templatesDir
	cmd.WaitDelay = o.waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	o.logger.Debug("running compiler",
		slog.String("binary", o.binary),
		slog.Any("args", args),
	)

	start := time.Now()
	err := cmd.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), Duration: time.Since(start)}

	if res.Stderr != "" {
		o.logger.Debug("compiler stderr", slog.String("stderr", tail(res.Stderr)))
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return res, &ExitError{Code: exitErr.ExitCode(), StderrTail: tail(res.Stderr)}
		}
		return res, fmt.Errorf("start compiler: %w", err)
	}
	return res, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= stderrTailLen {
		return s
	}
	start := len(s) - stderrTailLen
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
