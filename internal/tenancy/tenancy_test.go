package tenancy_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ez4u.app/internal/auth"
	"ez4u.app/internal/store"
	"ez4u.app/internal/store/memory"
	"ez4u.app/internal/tenancy"
)

func newGraph(t *testing.T) *tenancy.Graph {
	t.Helper()
	g, err := tenancy.NewGraph(memory.New())
	require.NoError(t, err)
	return g
}

func ptr(s string) *string { return &s }

func TestCreateValidation(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	_, err := g.Create(ctx, tenancy.NewTenant{Name: " ", Slug: "acme"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = g.Create(ctx, tenancy.NewTenant{Name: "Acme", Slug: "Acme Corp"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = g.Create(ctx, tenancy.NewTenant{Name: "Acme", Slug: "-acme"})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	acme, err := g.Create(ctx, tenancy.NewTenant{Name: " Acme ", Slug: " ACME ", ParentID: ptr("")})
	require.NoError(t, err)
	assert.Equal(t, "acme", acme.Slug)
	assert.Equal(t, "Acme", acme.Name)
	assert.Nil(t, acme.ParentID)
	assert.True(t, acme.IsActive)

	_, err = g.Create(ctx, tenancy.NewTenant{Name: "Acme 2", Slug: "acme"})
	require.ErrorIs(t, err, auth.ErrConflict)
	c, _ := auth.ConstraintOf(err)
	assert.Equal(t, store.UniqueTenantSlug, c)

	_, err = g.Create(ctx, tenancy.NewTenant{Name: "Orphan", Slug: "orphan", ParentID: ptr("missing")})
	assert.ErrorIs(t, err, auth.ErrNotFound)
}

func TestListingAndAncestors(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	acme, err := g.Create(ctx, tenancy.NewTenant{Name: "Acme", Slug: "acme"})
	require.NoError(t, err)
	_, err = g.Create(ctx, tenancy.NewTenant{Name: "Wayne", Slug: "wayne"})
	require.NoError(t, err)
	globex, err := g.Create(ctx, tenancy.NewTenant{Name: "Globex", Slug: "globex", ParentID: &acme.ID})
	require.NoError(t, err)
	hooli, err := g.Create(ctx, tenancy.NewTenant{Name: "Hooli", Slug: "hooli", ParentID: &globex.ID})
	require.NoError(t, err)

	roots, err := g.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	assert.Equal(t, "Acme", roots[0].Name)
	assert.Equal(t, "Wayne", roots[1].Name)

	blank, err := g.List(ctx, ptr(" "))
	require.NoError(t, err)
	assert.Len(t, blank, 2)

	children, err := g.List(ctx, &acme.ID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, globex.ID, children[0].ID)

	_, err = g.ListChildren(ctx, "missing")
	assert.ErrorIs(t, err, auth.ErrNotFound)

	chain, err := g.Ancestors(ctx, hooli.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, globex.ID, chain[0].ID)
	assert.Equal(t, acme.ID, chain[1].ID)

	chain, err = g.Ancestors(ctx, acme.ID)
	require.NoError(t, err)
	assert.Empty(t, chain)
}

func TestReparentAndDelete(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	a, err := g.Create(ctx, tenancy.NewTenant{Name: "A", Slug: "a"})
	require.NoError(t, err)
	b, err := g.Create(ctx, tenancy.NewTenant{Name: "B", Slug: "b", ParentID: &a.ID})
	require.NoError(t, err)
	c, err := g.Create(ctx, tenancy.NewTenant{Name: "C", Slug: "c", ParentID: &b.ID})
	require.NoError(t, err)

	_, err = g.Reparent(ctx, a.ID, &c.ID)
	assert.ErrorIs(t, err, tenancy.ErrCycle)
	_, err = g.Reparent(ctx, b.ID, &b.ID)
	assert.ErrorIs(t, err, tenancy.ErrCycle)

	renamed := "Renamed"
	_, err = g.Update(ctx, a.ID, tenancy.Update{Name: &renamed, Move: true, ParentID: &c.ID})
	assert.ErrorIs(t, err, tenancy.ErrCycle)
	same, err := g.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", same.Name)

	moved, err := g.Reparent(ctx, c.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, moved.ParentID)

	name := "Alpha"
	inactive := false
	upd, err := g.Update(ctx, a.ID, tenancy.Update{Name: &name, IsActive: &inactive})
	require.NoError(t, err)
	assert.Equal(t, "Alpha", upd.Name)
	assert.False(t, upd.IsActive)
	empty := ""
	_, err = g.Update(ctx, a.ID, tenancy.Update{Name: &empty})
	assert.ErrorIs(t, err, auth.ErrInvalidInput)

	require.NoError(t, g.Delete(ctx, a.ID))
	orphan, err := g.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, orphan.ParentID)
	assert.ErrorIs(t, g.Delete(ctx, a.ID), auth.ErrNotFound)

	// the slug is free again
	_, err = g.Create(ctx, tenancy.NewTenant{Name: "A again", Slug: "a"})
	require.NoError(t, err)
}

func TestCheckAcyclic(t *testing.T) {
	parents := map[string]*string{
		"a": nil,
		"b": ptr("a"),
		"c": ptr("b"),
		// corrupted data: x and y point at each other
		"x": ptr("y"),
		"y": ptr("x"),
	}
	lookup := func(_ context.Context, id string) (*string, error) {
		p, ok := parents[id]
		if !ok {
			return nil, auth.ErrNotFound
		}
		return p, nil
	}
	ctx := context.Background()

	assert.NoError(t, tenancy.CheckAcyclic(ctx, lookup, "c", nil))
	assert.NoError(t, tenancy.CheckAcyclic(ctx, lookup, "c", ptr("a")))
	assert.ErrorIs(t, tenancy.CheckAcyclic(ctx, lookup, "a", ptr("c")), tenancy.ErrCycle)
	assert.ErrorIs(t, tenancy.CheckAcyclic(ctx, lookup, "a", ptr("a")), auth.ErrInvalidInput)
	assert.ErrorIs(t, tenancy.CheckAcyclic(ctx, lookup, "a", ptr("missing")), auth.ErrNotFound)

	err := tenancy.CheckAcyclic(ctx, lookup, "a", ptr("x"))
	assert.True(t, errors.Is(err, tenancy.ErrCycle), "walk must stop on an existing loop")

	chain := func(_ context.Context, id string) (*string, error) {
		next := id + "."
		return &next, nil
	}
	err = tenancy.CheckAcyclic(ctx, chain, "root", ptr("n"))
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	assert.False(t, errors.Is(err, tenancy.ErrCycle))
}

func TestValidSlug(t *testing.T) {
	for _, s := range []string{"acme", "a", "acme-corp", "x1"} {
		assert.True(t, tenancy.ValidSlug(s), s)
	}
	for _, s := range []string{"", "Acme", "acme-", "-acme", "ac me", "acme_corp"} {
		assert.False(t, tenancy.ValidSlug(s), s)
	}
}
