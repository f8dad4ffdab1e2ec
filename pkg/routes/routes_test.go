package routes

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashlink/dashlink/pkg/io"
	"github.com/dashlink/dashlink/pkg/page"
	"github.com/dashlink/dashlink/pkg/wire"
)

func noopAction() *Action {
	return &Action{Handler: func(context.Context, *io.ActionContext) (any, error) { return nil, nil }}
}

func TestFlattenNestedTree(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Add("refund", &Action{Name: "Refund order", Handler: noopAction().Handler}))
	require.NoError(t, reg.Add("users", &Page{
		Name:    "Users",
		Handler: func(context.Context, *page.Context) (*page.Layout, error) { return &page.Layout{}, nil },
		Routes: map[string]Route{
			"create": &Action{Name: "Create user", Handler: noopAction().Handler},
			"admin": &Page{
				Name: "Admins",
				Routes: map[string]Route{
					"promote": noopAction(),
				},
			},
		},
	}))

	cat, err := reg.Flatten()
	require.NoError(t, err)

	require.Len(t, cat.Actions, 3)
	assert.Equal(t, wire.ActionDef{Slug: "refund", Name: "Refund order"}, cat.Actions[0])
	assert.Equal(t, "users/admin/promote", cat.Actions[1].Slug)
	assert.Equal(t, "users/admin", cat.Actions[1].GroupSlug)
	assert.Equal(t, "users/create", cat.Actions[2].Slug)
	assert.Equal(t, "users", cat.Actions[2].GroupSlug)

	require.Len(t, cat.Groups, 2)
	assert.Equal(t, "users", cat.Groups[0].Slug)
	assert.True(t, cat.Groups[0].HasHandler)
	assert.Equal(t, "users/admin", cat.Groups[1].Slug)
	assert.False(t, cat.Groups[1].HasHandler)

	assert.Contains(t, cat.ActionBySlug, "users/create")
	assert.Contains(t, cat.PageBySlug, "users/admin")
}

func TestInvalidSlugsRejected(t *testing.T) {
	reg := NewRegistry()
	assert.Error(t, reg.Add("has space", noopAction()))
	assert.Error(t, reg.Add("has/slash", noopAction()))
	assert.Error(t, reg.Add("", noopAction()))
	assert.Error(t, reg.Add("-leading", noopAction()))
	assert.Error(t, reg.Add("ok", nil))

	require.NoError(t, reg.Add("ok", noopAction()))
	assert.Error(t, reg.Add("ok", noopAction()), "duplicate slug must be rejected")

	require.NoError(t, reg.Add("bad-child", &Page{
		Routes: map[string]Route{"nope!": noopAction()},
	}))
	_, err := reg.Flatten()
	assert.Error(t, err)
}

func TestChangeCallbackFiresOnMutation(t *testing.T) {
	reg := NewRegistry()
	fired := 0
	reg.OnChange(func() { fired++ })

	require.NoError(t, reg.Add("one", noopAction()))
	assert.Equal(t, 1, fired)

	assert.Error(t, reg.Add("one", noopAction()))
	assert.Equal(t, 1, fired, "failed mutation must not fire the callback")

	reg.Remove("one")
	assert.Equal(t, 2, fired)

	reg.Remove("one")
	assert.Equal(t, 2, fired, "removing an unknown slug must not fire the callback")
}
