package truststore

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/term"
)

// TerminalPrompter asks for confirmation on a terminal
type TerminalPrompter struct {
	in  io.Reader
	out io.Writer
	// requireTTY rejects prompt if in is not a terminal
	requireTTY bool
}

// NewTerminalPrompter returns prompter reading answers from stdin
func NewTerminalPrompter() *TerminalPrompter {
	return &TerminalPrompter{in: os.Stdin, out: os.Stderr, requireTTY: true}
}

// NewPrompter returns prompter on given reader and writer
func NewPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: in, out: out}
}

func (p *TerminalPrompter) Confirm(host, fingerprint string, changed bool) (bool, error) {
	if p.requireTTY {
		f, ok := p.in.(*os.File)
		if !ok || !term.IsTerminal(int(f.Fd())) {
			return false, errors.New("no terminal available for interactive trust prompt (use --trust to seed or --strict)")
		}
	}

	if changed {
		fmt.Fprintf(p.out, "WARNING: HOST KEY CHANGED for %s, the previously trusted key does not match!\n", host)
	}
	fmt.Fprintf(p.out, "Host %s key is: %s\n", host, fingerprint)
	fmt.Fprint(p.out, "Do you trust? [y/N] ")

	answer, err := bufio.NewReader(p.in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && answer != "") {
		return false, errors.Wrap(err, "unable to read answer")
	}

	return strings.ToLower(strings.TrimSpace(answer)) == "y", nil
}
