// Reference resolution, tags, and commit metadata.
package git

import (
	"context"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Signature identifies an author or committer at a point in time.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the metadata read from one commit object.
type Commit struct {
	SHA       string
	Author    Signature
	Committer Signature
	// Title is the first line of the message.
	Title   string
	Message string
	// Parent is the first parent, empty for root commits.
	Parent  string
	Parents []string
}

// HeadSHA returns the commit HEAD points at.
func (r *Repo) HeadSHA(ctx context.Context) (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", WrapError(err, "resolve HEAD")
	}
	return head.Hash().String(), nil
}

// Resolve resolves any revision (branch, tag, SHA, rev expression) to a
// full commit SHA.
func (r *Repo) Resolve(ctx context.Context, rev string) (string, error) {
	hash, err := r.resolve(rev)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (r *Repo) resolve(rev string) (*plumbing.Hash, error) {
	if rev == "" {
		return nil, WrapError(ErrInvalidRef, "revision cannot be empty")
	}
	hash, err := r.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return nil, WrapErrorf(ErrResolveFailed, "revision %q", rev)
	}
	return hash, nil
}

// Tag creates a tag at target: annotated when message is non-empty,
// lightweight otherwise. Existing tags are never replaced.
func (r *Repo) Tag(ctx context.Context, name, target, message string, who Signature) error {
	if name == "" {
		return WrapError(ErrInvalidRef, "tag name cannot be empty")
	}
	hash, err := r.resolve(target)
	if err != nil {
		return err
	}

	refName := plumbing.NewTagReferenceName(name)
	if _, err := r.repo.Reference(refName, true); err == nil {
		return WrapErrorf(ErrTagExists, "tag %s", name)
	}

	if message != "" {
		_, err = r.repo.CreateTag(name, *hash, &gogit.CreateTagOptions{
			Tagger: &object.Signature{
				Name:  who.Name,
				Email: who.Email,
				When:  who.When,
			},
			Message: message,
		})
		if err != nil {
			return WrapErrorf(err, "create tag %s", name)
		}
		return nil
	}

	if err := r.repo.Storer.SetReference(plumbing.NewHashReference(refName, *hash)); err != nil {
		return WrapErrorf(err, "create tag %s", name)
	}
	return nil
}

// IsMergeCommit reports whether the commit has more than one parent.
func (r *Repo) IsMergeCommit(ctx context.Context, rev string) (bool, error) {
	commit, err := r.commitObject(rev)
	if err != nil {
		return false, err
	}
	return commit.NumParents() > 1, nil
}

// CommitInfo reads the metadata of one commit.
func (r *Repo) CommitInfo(ctx context.Context, rev string) (*Commit, error) {
	commit, err := r.commitObject(rev)
	if err != nil {
		return nil, err
	}

	c := &Commit{
		SHA: commit.Hash.String(),
		Author: Signature{
			Name:  commit.Author.Name,
			Email: commit.Author.Email,
			When:  commit.Author.When,
		},
		Committer: Signature{
			Name:  commit.Committer.Name,
			Email: commit.Committer.Email,
			When:  commit.Committer.When,
		},
		Message: commit.Message,
	}
	c.Title, _, _ = strings.Cut(commit.Message, "\n")
	c.Title = strings.TrimSpace(c.Title)
	for _, p := range commit.ParentHashes {
		c.Parents = append(c.Parents, p.String())
	}
	if len(c.Parents) > 0 {
		c.Parent = c.Parents[0]
	}
	return c, nil
}

func (r *Repo) commitObject(rev string) (*object.Commit, error) {
	hash, err := r.resolve(rev)
	if err != nil {
		return nil, err
	}
	commit, err := r.repo.CommitObject(*hash)
	if err != nil {
		return nil, WrapErrorf(ErrResolveFailed, "commit %s", rev)
	}
	return commit, nil
}
