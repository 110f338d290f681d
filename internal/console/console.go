// Package console is the terminal boundary between the agent and the person driving it.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/xkilldash9x/mailpilot/internal/agent"
)

type lineResult struct {
	line string
	err  error
}

// Console implements agent.Human over a line reader and a writer.
type Console struct {
	in  *bufio.Reader
	out io.Writer

	mu      sync.Mutex
	pending chan lineResult

	question  *color.Color
	prompt    *color.Color
	progress  *color.Color
	success   *color.Color
	failure   *color.Color
	secondary *color.Color
}

var _ agent.Human = (*Console)(nil)

// New creates a console. Colors are used only when useColor is true.
func New(in io.Reader, out io.Writer, useColor bool) *Console {
	c := &Console{
		in:        bufio.NewReader(in),
		out:       out,
		question:  color.New(color.FgCyan, color.Bold),
		prompt:    color.New(color.FgGreen, color.Bold),
		progress:  color.New(color.FgBlue),
		success:   color.New(color.FgGreen, color.Bold),
		failure:   color.New(color.FgRed, color.Bold),
		secondary: color.New(color.FgHiBlack),
	}
	for _, col := range []*color.Color{c.question, c.prompt, c.progress, c.success, c.failure, c.secondary} {
		if useColor {
			col.EnableColor()
		} else {
			col.DisableColor()
		}
	}
	return c
}

// NewStdio creates a console on the process's standard streams, with colors
// only when stdout is a terminal.
func NewStdio() *Console {
	fd := os.Stdout.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	return New(os.Stdin, os.Stdout, tty && os.Getenv("NO_COLOR") == "")
}

// Ask prints the prompt and waits for one line of input. It returns the
// context's error if ctx ends first; the line being read is then handed to
// the next call.
func (c *Console) Ask(ctx context.Context, prompt string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(prompt) == "" {
		prompt = agent.DefaultPrompt
	}
	c.question.Fprintf(c.out, "\n%s\n", prompt)
	c.prompt.Fprint(c.out, "> ")

	if c.pending == nil {
		ch := make(chan lineResult, 1)
		c.pending = ch
		go func() {
			line, err := c.in.ReadString('\n')
			ch <- lineResult{line: line, err: err}
		}()
	}

	select {
	case <-ctx.Done():
		fmt.Fprintln(c.out)
		return "", ctx.Err()
	case r := <-c.pending:
		c.pending = nil
		line := strings.TrimRight(r.line, "\r\n")
		if r.err != nil {
			// A final line without a newline is still an answer.
			if errors.Is(r.err, io.EOF) && line != "" {
				return line, nil
			}
			return "", r.err
		}
		return line, nil
	}
}

// Progress prints a non-question assistant message.
func (c *Console) Progress(msg agent.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress.Fprintf(c.out, "• %s\n", msg.Content)
}

// Info prints a plain line.
func (c *Console) Info(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format+"\n", args...)
}

// WaitForEnter blocks until the human presses Enter or ctx ends.
func (c *Console) WaitForEnter(ctx context.Context, message string) error {
	_, err := c.Ask(ctx, message)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
