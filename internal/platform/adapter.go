package platform

import (
	"context"
	"fmt"
	"sort"
)

// Adapter is the single publish entry point. It validates content against
// the catalog, selects the platform's Publisher, and runs each network step
// under the retry policy.
type Adapter struct {
	publishers map[Kind]Publisher
	retry      RetryPolicy
}

// NewAdapter creates an adapter over the given publishers.
func NewAdapter(retry RetryPolicy, publishers ...Publisher) *Adapter {
	a := &Adapter{
		publishers: make(map[Kind]Publisher, len(publishers)),
		retry:      retry,
	}
	for _, p := range publishers {
		a.publishers[p.Platform()] = p
	}
	return a
}

// Publisher returns the publisher for a platform.
func (a *Adapter) Publisher(kind Kind) (Publisher, error) {
	p, ok := a.publishers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlatformUnavailable, kind)
	}
	return p, nil
}

// Platforms lists the platforms this adapter can publish to.
func (a *Adapter) Platforms() []Kind {
	kinds := make([]Kind, 0, len(a.publishers))
	for k := range a.publishers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Publish posts content to a platform account. The primary post and the
// optional followup are retried independently so a failed followup never
// re-sends the primary post. A followup failure is reported on the result,
// not as an error.
func (a *Adapter) Publish(ctx context.Context, kind Kind, accessToken, accountID string, content Content) (*PublishResult, error) {
	spec, err := Lookup(kind)
	if err != nil {
		return nil, err
	}
	if err := spec.ValidateContent(content); err != nil {
		return nil, err
	}
	p, err := a.Publisher(kind)
	if err != nil {
		return nil, err
	}

	var postID string
	err = a.retry.Do(ctx, func(ctx context.Context, _ int) error {
		id, err := p.PublishPost(ctx, accessToken, accountID, content)
		if err != nil {
			return err
		}
		postID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &PublishResult{ExternalPostID: postID}
	if content.FollowupComment == "" {
		return result, nil
	}

	err = a.retry.Do(ctx, func(ctx context.Context, _ int) error {
		id, err := p.PublishFollowup(ctx, accessToken, accountID, postID, content.FollowupComment)
		if err != nil {
			return err
		}
		result.FollowupID = id
		return nil
	})
	if err != nil {
		result.FollowupErr = err
	}
	return result, nil
}
