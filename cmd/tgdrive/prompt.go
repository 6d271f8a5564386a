package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// prompt asks on the terminal before an existing file is replaced.
type prompt struct {
	yes bool
	in  io.Reader
	out io.Writer
	tty bool

	mu     sync.Mutex
	reader *bufio.Reader
}

func newPrompt(yes bool) *prompt {
	return &prompt{
		yes: yes,
		in:  os.Stdin,
		out: os.Stderr,
		tty: isTerminal(os.Stdin),
	}
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// ConfirmReplace implements vfs.Confirmer. Without a terminal the answer
// is no unless --yes was given.
func (p *prompt) ConfirmReplace(path string) bool {
	if p.yes {
		return true
	}
	if !p.tty {
		fmt.Fprintf(p.out, "%s already exists; use --yes to replace it\n", path)
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reader == nil {
		p.reader = bufio.NewReader(p.in)
	}
	fmt.Fprintf(p.out, "%s already exists. Replace it? [y/N] ", path)
	line, err := p.reader.ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}
