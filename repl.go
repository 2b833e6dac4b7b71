//go:build linux

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/c35s/cpuhp/ctl"
	"golang.org/x/term"
)

// console is the run command's prompt. Log output written to it is
// interleaved with the prompt.
type console struct {
	in      io.Reader
	out     io.Writer
	t       *term.Terminal
	restore func() error
}

func openConsole(in *os.File, out io.Writer) (*console, error) {
	c := &console{
		in:      in,
		out:     out,
		restore: func() error { return nil },
	}

	if !term.IsTerminal(int(in.Fd())) {
		return c, nil
	}

	old, err := term.MakeRaw(int(in.Fd()))
	if err != nil {
		return nil, fmt.Errorf("cpuhp: console: %w", err)
	}

	c.restore = func() error { return term.Restore(int(in.Fd()), old) }
	c.t = term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{in, out}, "cpuhp> ")

	return c, nil
}

func (c *console) Write(p []byte) (int, error) {
	if c.t != nil {
		return c.t.Write(p)
	}

	return c.out.Write(p)
}

func (c *console) Close() error {
	return c.restore()
}

// Serve reads commands until EOF or "quit".
func (c *console) Serve(h ctl.Host) error {
	read := c.lineReader()

	for {
		line, err := read()
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "quit" || line == "exit" {
			return nil
		}

		out, err := ctl.Exec(h, line)
		switch {
		case err != nil:
			fmt.Fprintf(c, "error: %v\n", err)

		case out != "":
			fmt.Fprintln(c, out)
		}
	}
}

func (c *console) lineReader() func() (string, error) {
	if c.t != nil {
		return c.t.ReadLine
	}

	sc := bufio.NewScanner(c.in)
	return func() (string, error) {
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}

			return "", io.EOF
		}

		return sc.Text(), nil
	}
}
