// Package opprovider resolves credentials template references through the
// 1Password CLI.
package opprovider

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/clockwork-earth/clockwork/credentials"
)

// binary is the CLI invoked for lookups; tests point it elsewhere.
var binary = "op"

// WithOnePassword registers an "op" template function that resolves
// op://vault/item/field references with `op read`.
func WithOnePassword() credentials.ResolverOption {
	return credentials.WithProvider("op", read)
}

func read(ctx context.Context, ref string) (string, error) {
	if !strings.HasPrefix(ref, "op://") {
		return "", fmt.Errorf("op reference %q must start with op://", ref)
	}
	cmd := exec.CommandContext(ctx, binary, "read", "--no-newline", ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("op read %q: %s: %w", ref, strings.TrimSpace(stderr.String()), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}
