package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clyso/cbs/internal/errkind"
	"github.com/clyso/cbs/internal/model"
)

func TestResolveAuthorFlagsWin(t *testing.T) {
	run := &fakeRunner{config: testIdentity()}
	author, err := resolveAuthor(context.Background(), run, "Sam Lee", "sam@clyso.com")
	require.NoError(t, err)
	assert.Equal(t, model.AuthorData{User: "Sam Lee", Email: "sam@clyso.com"}, author)
	assert.Empty(t, run.calls, "explicit flags must not consult git")
}

func TestResolveAuthorFallsBackToGitConfig(t *testing.T) {
	run := &fakeRunner{config: testIdentity()}
	author, err := resolveAuthor(context.Background(), run, "", "")
	require.NoError(t, err)
	assert.Equal(t, model.AuthorData{User: "Jane Doe", Email: "jane@clyso.com"}, author)

	// One flag set still borrows the other from git.
	author, err = resolveAuthor(context.Background(), run, "Sam Lee", "")
	require.NoError(t, err)
	assert.Equal(t, model.AuthorData{User: "Sam Lee", Email: "jane@clyso.com"}, author)
}

func TestResolveAuthorUnknownIdentity(t *testing.T) {
	run := &fakeRunner{}
	_, err := resolveAuthor(context.Background(), run, "", "")
	require.Error(t, err)
	assert.Equal(t, errkind.CodeInvalidInput, errkind.CodeOf(err))
	assert.Contains(t, err.Error(), "--author")

	// An email without a name is still incomplete.
	_, err = resolveAuthor(context.Background(), run, "", "jane@clyso.com")
	require.Error(t, err)
	assert.Equal(t, exitInvalid, exitCode(err))
}
