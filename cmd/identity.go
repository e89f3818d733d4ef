package cmd

import (
	"context"
	"errors"
	"strings"

	"github.com/clyso/cbs/internal/executor"
	"github.com/clyso/cbs/internal/model"
)

// resolveAuthor fills the identity recorded on stages and patch sets.
// Explicit flags win; blanks fall back to git's configured user. Stage
// ownership checks compare this identity, so it has to be stable across
// a user's invocations.
func resolveAuthor(ctx context.Context, run executor.Runner, user, email string) (model.AuthorData, error) {
	if user == "" {
		user = gitConfig(ctx, run, "user.name")
	}
	if email == "" {
		email = gitConfig(ctx, run, "user.email")
	}
	if user == "" || email == "" {
		return model.AuthorData{}, usage(errors.New("author identity unknown; pass --author and --email or configure git user.name and user.email"))
	}
	return model.AuthorData{User: user, Email: email}, nil
}

// gitConfig reads one git configuration value, empty when unset.
func gitConfig(ctx context.Context, run executor.Runner, key string) string {
	res, err := run.Run(ctx, "git", []string{"config", "--get", key})
	if err != nil || res == nil {
		return ""
	}
	return strings.TrimSpace(res.Stdout)
}
