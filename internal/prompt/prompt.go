// Package prompt collects the device target and bandwidth-test parameters
// from an operator at the terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/signalsfoundry/mikrotune/model"
)

// ErrInputClosed is returned when input ends before every answer is given.
var ErrInputClosed = errors.New("prompt: input closed")

const banner = `
  __  __ _ _              _____
 |  \/  (_) | ___ __ ___ |_   _|   _ _ __   ___
 | |\/| | | |/ / '__/ _ \  | || | | | '_ \ / _ \
 | |  | | |   <| | | (_) | | || |_| | | | |  __/
 |_|  |_|_|_|\_\_|  \___/  |_| \__,_|_| |_|\___|
`

// Answers is everything the operator provides for one run.
type Answers struct {
	Target model.DeviceTarget
	Plan   model.FrequencyPlan
	Params model.TestParameters
}

// Session reads answers line by line from in and writes prompts to out.
// Reads happen on a helper goroutine so a cancelled context interrupts a
// pending question.
type Session struct {
	in           *bufio.Reader
	out          io.Writer
	readPassword func() (string, error)
	restore      func()
	step         int
}

// Option customises a Session.
type Option func(*Session)

// WithPasswordReader replaces the line reader used for the password answer,
// typically with one that disables terminal echo.
func WithPasswordReader(fn func() (string, error)) Option {
	return func(s *Session) {
		s.readPassword = fn
	}
}

// WithFrequencyStep sets the step used to expand a frequency range answer.
func WithFrequencyStep(mhz int) Option {
	return func(s *Session) {
		if mhz > 0 {
			s.step = mhz
		}
	}
}

// NewSession builds a Session over arbitrary streams.
func NewSession(in io.Reader, out io.Writer, opts ...Option) *Session {
	s := &Session{
		in:   bufio.NewReader(in),
		out:  out,
		step: model.DefaultStepMHz,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTerminalSession builds a Session over stdin/stdout. When stdin is a
// terminal the password is read without echo.
func NewTerminalSession(opts ...Option) *Session {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return NewSession(os.Stdin, os.Stdout, opts...)
	}
	opts = append([]Option{WithPasswordReader(func() (string, error) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stdout)
		return string(b), err
	})}, opts...)
	s := NewSession(os.Stdin, os.Stdout, opts...)
	// An interrupted password read leaves echo off; put the terminal back.
	if state, err := term.GetState(fd); err == nil {
		s.restore = func() { _ = term.Restore(fd, state) }
	}
	return s
}

// Gather runs the full question sequence. It returns ctx.Err() as soon as ctx
// is cancelled, even while waiting for an answer.
func (s *Session) Gather(ctx context.Context) (Answers, error) {
	var a Answers

	fmt.Fprint(s.out, banner)
	if _, err := s.ask(ctx, "Press Enter to begin..."); err != nil {
		return a, err
	}

	target, err := s.askTarget(ctx)
	if err != nil {
		return a, err
	}
	a.Target = target

	plan, err := s.askPlan(ctx)
	if err != nil {
		return a, err
	}
	a.Plan = plan

	params, err := s.askParams(ctx)
	if err != nil {
		return a, err
	}
	a.Params = params
	return a, nil
}

func (s *Session) askTarget(ctx context.Context) (model.DeviceTarget, error) {
	var t model.DeviceTarget
	var err error

	if t.Address, err = s.ask(ctx, "\nEnter AP IP Address: "); err != nil {
		return t, err
	}
	if t.Username, err = s.ask(ctx, "Enter AP username: "); err != nil {
		return t, err
	}
	if t.Password, err = s.askPassword(ctx, "Enter AP password: "); err != nil {
		return t, err
	}
	for {
		line, err := s.ask(ctx, fmt.Sprintf("Enter AP port (default %d): ", model.DefaultAPIPort))
		if err != nil {
			return t, err
		}
		if line == "" {
			t.Port = model.DefaultAPIPort
			return t, nil
		}
		port, convErr := strconv.Atoi(line)
		if convErr == nil && port > 0 && port <= 65535 {
			t.Port = port
			return t, nil
		}
		fmt.Fprintln(s.out, "Please enter a valid port number.")
	}
}

func (s *Session) askPlan(ctx context.Context) (model.FrequencyPlan, error) {
	line, err := s.ask(ctx, fmt.Sprintf("\nEnter frequency range (default %d-%d): ", model.DefaultStartMHz, model.DefaultEndMHz))
	if err != nil {
		return model.FrequencyPlan{}, err
	}
	if line == "" {
		return model.DefaultPlan(s.step), nil
	}
	plan, err := model.ParseFrequencyPlan(line, s.step)
	if err != nil {
		fmt.Fprintf(s.out, "Could not parse %q, using %d-%d.\n", line, model.DefaultStartMHz, model.DefaultEndMHz)
		return model.DefaultPlan(s.step), nil
	}
	return plan, nil
}

func (s *Session) askParams(ctx context.Context) (model.TestParameters, error) {
	var p model.TestParameters
	var err error

	if p.StationAddress, err = s.ask(ctx, "\nEnter Station IP Address: "); err != nil {
		return p, err
	}

	protocols := []model.Protocol{model.ProtocolTCP, model.ProtocolUDP}
	for i, proto := range protocols {
		fmt.Fprintf(s.out, "%d. %s\n", i+1, strings.ToUpper(string(proto)))
	}
	idx, err := s.choose(ctx, "Choose Protocol (1 for TCP / 2 for UDP): ", len(protocols))
	if err != nil {
		return p, err
	}
	p.Protocol = protocols[idx]

	directions := []model.Direction{model.DirectionUpload, model.DirectionDownload, model.DirectionBoth}
	for i, dir := range directions {
		fmt.Fprintf(s.out, "%d. %s\n", i+1, dir.DeviceValue())
	}
	idx, err = s.choose(ctx, "Choose Direction (1 for send / 2 for receive / 3 for both): ", len(directions))
	if err != nil {
		return p, err
	}
	p.Direction = directions[idx]

	line, err := s.ask(ctx, "\nDo you want to specify a limit? (yes/no) [no]: ")
	if err != nil {
		return p, err
	}
	if ans := strings.ToLower(line); ans == "yes" || ans == "y" {
		if p.LocalTxMbps, err = s.askLimit(ctx, "Enter local Tx limit in Mbps (default unlimited): "); err != nil {
			return p, err
		}
		if p.RemoteTxMbps, err = s.askLimit(ctx, "Enter remote TX limit in Mbps (default unlimited): "); err != nil {
			return p, err
		}
	}

	for {
		line, err := s.ask(ctx, "\nEnter test duration in seconds: ")
		if err != nil {
			return p, err
		}
		secs, convErr := strconv.Atoi(line)
		if convErr == nil && secs > 0 {
			p.Duration = time.Duration(secs) * time.Second
			return p, nil
		}
		fmt.Fprintln(s.out, "Please enter a valid duration in seconds.")
	}
}

// choose re-prompts until the answer is a number in 1..n and returns it
// zero-based.
func (s *Session) choose(ctx context.Context, question string, n int) (int, error) {
	for {
		line, err := s.ask(ctx, question)
		if err != nil {
			return 0, err
		}
		if v, convErr := strconv.Atoi(line); convErr == nil && v >= 1 && v <= n {
			return v - 1, nil
		}
		opts := make([]string, n)
		for i := range opts {
			opts[i] = strconv.Itoa(i + 1)
		}
		fmt.Fprintf(s.out, "Invalid choice. Please choose %s.\n", strings.Join(opts, ", "))
	}
}

func (s *Session) askLimit(ctx context.Context, question string) (int, error) {
	for {
		line, err := s.ask(ctx, question)
		if err != nil {
			return 0, err
		}
		if line == "" {
			return 0, nil
		}
		if v, convErr := strconv.Atoi(line); convErr == nil && v >= 0 {
			return v, nil
		}
		fmt.Fprintln(s.out, "Please enter a whole number of Mbps, or leave blank for unlimited.")
	}
}

func (s *Session) askPassword(ctx context.Context, question string) (string, error) {
	if s.readPassword == nil {
		return s.ask(ctx, question)
	}
	fmt.Fprint(s.out, question)
	pw, err := await(ctx, s.readPassword)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if s.restore != nil {
				s.restore()
			}
			return "", ctxErr
		}
		return "", fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

// ask prints question and returns the trimmed answer. A final line without
// a trailing newline is still accepted.
func (s *Session) ask(ctx context.Context, question string) (string, error) {
	fmt.Fprint(s.out, question)
	line, err := await(ctx, func() (string, error) { return s.in.ReadString('\n') })
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrInputClosed
		}
		return "", fmt.Errorf("prompt: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// await runs read on its own goroutine and returns early if ctx is cancelled.
// An abandoned read stays blocked until its input yields; the session must
// not be read from again after that.
func await(ctx context.Context, read func() (string, error)) (string, error) {
	type result struct {
		line string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		line, err := read()
		done <- result{line, err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-done:
		return r.line, r.err
	}
}
