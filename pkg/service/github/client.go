package github

import (
	"context"
	"net/http"

	"github.com/m-mizutani/goerr/v2"
	"github.com/shurcooL/githubv4"
	"github.com/tally-app/tally/pkg/domain/interfaces"
	"golang.org/x/oauth2"
)

// Client answers beta-access checks by asking the GitHub GraphQL API whether
// a username is a member of the gate organization.
type Client struct {
	gql *githubv4.Client
	org string
}

var _ interfaces.AccessGate = &Client{}

type Option func(*Client)

// WithEndpoint points the client at a non-default GraphQL endpoint. Tests
// use this with an httptest server.
func WithEndpoint(url string, hc *http.Client) Option {
	return func(c *Client) {
		c.gql = githubv4.NewEnterpriseClient(url, hc)
	}
}

// New creates a gate for the given organization using a static API token.
func New(token, org string, opts ...Option) *Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	hc := oauth2.NewClient(context.Background(), src)

	c := &Client{
		gql: githubv4.NewClient(hc),
		org: org,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type membershipQuery struct {
	User struct {
		Organization struct {
			ViewerCanAdminister githubv4.Boolean
			Login               githubv4.String
		} `graphql:"organization(login: $org)"`
	} `graphql:"user(login: $login)"`
}

// IsMember reports whether the username belongs to the gate organization.
// An unknown username is not an error; it simply has no access.
func (c *Client) IsMember(ctx context.Context, username string) (bool, error) {
	if username == "" {
		return false, goerr.New("github username is empty")
	}

	var q membershipQuery
	variables := map[string]interface{}{
		"login": githubv4.String(username),
		"org":   githubv4.String(c.org),
	}

	if err := c.gql.Query(ctx, &q, variables); err != nil {
		if ctx.Err() != nil {
			return false, goerr.Wrap(err, "membership query cancelled")
		}
		// The API answers NOT_FOUND through the error channel both for
		// unknown users and non-members.
		return false, nil
	}

	return string(q.User.Organization.Login) == c.org, nil
}
