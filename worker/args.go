package worker

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// PersistentWorkerFlag is passed by Bazel to start a tool as a persistent worker.
const PersistentWorkerFlag = "--persistent_worker"

var ErrMultipleArgfiles = errors.New("only one @argfile is supported")

// ParseArgs expands an @argfile in args and removes the persistent worker flag.
// It reports whether the flag was present.
func ParseArgs(args []string) ([]string, bool, error) {
	args, err := expandArgfile(args)
	if err != nil {
		return nil, false, err
	}

	persistent := false
	out := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == PersistentWorkerFlag {
			persistent = true
			continue
		}
		out = append(out, arg)
	}
	return out, persistent, nil
}

func expandArgfile(args []string) ([]string, error) {
	at := -1
	for i, arg := range args {
		if !strings.HasPrefix(arg, "@") {
			continue
		}
		if at >= 0 {
			return nil, ErrMultipleArgfiles
		}
		at = i
	}
	if at < 0 {
		return args, nil
	}

	path := strings.TrimPrefix(args[at], "@")
	fileArgs, err := readArgfile(path)
	if err != nil {
		return nil, fmt.Errorf("reading argfile %s: %w", path, err)
	}

	expanded := make([]string, 0, len(args)-1+len(fileArgs))
	expanded = append(expanded, args[:at]...)
	expanded = append(expanded, fileArgs...)
	return append(expanded, args[at+1:]...), nil
}

// readArgfile returns the lines of path, skipping blank lines and # comments.
func readArgfile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var args []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		args = append(args, line)
	}
	return args, scanner.Err()
}
