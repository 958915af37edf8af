package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

// Swapped in tests.
var (
	stdinFile = os.Stdin
	stdinBuf  = bufio.NewReader(os.Stdin)
)

// prompt reads one line without echo when stdin is a terminal.
func prompt(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	if stdinFile != nil && term.IsTerminal(int(stdinFile.Fd())) {
		b, err := term.ReadPassword(int(stdinFile.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	line, err := stdinBuf.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read %s: %w", strings.TrimSuffix(strings.TrimSpace(label), ":"), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func passwordOrPrompt(given, label string) (string, error) {
	if given != "" {
		return given, nil
	}
	return prompt(label)
}
