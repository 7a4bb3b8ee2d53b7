package cli

import (
	"context"
	"fmt"
	"os"
)

// EnvTokenSource reads the bearer token for the remote authority from an
// environment variable. Refresh re-reads the variable, so a wrapper process
// can rotate the token without restarting the CLI.
type EnvTokenSource struct {
	Var string
}

// Token returns the current token value.
func (s EnvTokenSource) Token(ctx context.Context) (string, error) {
	v := os.Getenv(s.Var)
	if v == "" {
		return "", fmt.Errorf("environment variable %s is not set", s.Var)
	}
	return v, nil
}

// Refresh re-reads the environment variable.
func (s EnvTokenSource) Refresh(ctx context.Context) (string, error) {
	return s.Token(ctx)
}
