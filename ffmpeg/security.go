package ffmpeg

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// SplitArgs splits an operator-supplied argument string without involving a shell.
func SplitArgs(command string) ([]string, error) {
	args, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("invalid argument syntax: %w", err)
	}
	return args, nil
}

// reservedFlags are set by the pipeline itself; overriding them would move or hide the
// files later stages depend on, or run arbitrary commands.
var reservedFlags = []string{
	"-o", "--output", "-P", "--paths", "-a", "--batch-file",
	"--exec", "--exec-before-download", "--config-location",
	"-i", "-y",
}

// SanitizeArgs rejects shell metacharacters and flags reserved by the pipeline.
func SanitizeArgs(args []string) error {
	for _, arg := range args {
		if strings.ContainsAny(arg, "|&;`$()<>") {
			return fmt.Errorf("disallowed character found in argument: %s", arg)
		}
		flag, _, _ := strings.Cut(arg, "=")
		for _, r := range reservedFlags {
			if flag == r {
				return fmt.Errorf("argument %s is reserved", flag)
			}
		}
	}
	return nil
}

// ExtraArgs splits and sanitizes an optional argument string; empty input yields nil.
func ExtraArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := SplitArgs(raw)
	if err != nil {
		return nil, err
	}
	if err := SanitizeArgs(args); err != nil {
		return nil, err
	}
	return args, nil
}
