package stepchat_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inspirepan/stepchat"
)

func TestRewriteFileCitation(t *testing.T) {
	r := &stepchat.Rewriter{}
	ev, ok := r.Rewrite(context.Background(), stepchat.FileCitation{Filename: "notes/a&b.md"}, "msg-1")
	require.True(t, ok)
	rep := ev.(stepchat.TextReplaced)
	assert.Equal(t, "msg-1", rep.ItemID)
	assert.Equal(t, `<a class="file-citation" href="/files/notes%2Fa&amp;b.md" target="_blank">(notes/a&amp;b.md)</a>`, rep.Markup)
}

func TestRewriteCustomPrefix(t *testing.T) {
	r := &stepchat.Rewriter{FilePrefix: "/static/files"}
	assert.Equal(t, "/static/files/c%201/f/content", r.ContainerFileRoute("c 1", "f"))
}

func TestRewriteContainerCitation(t *testing.T) {
	r := &stepchat.Rewriter{Locator: fakeLocator{path: "/mnt/data/out.csv"}}
	ev, ok := r.Rewrite(context.Background(), stepchat.ContainerFileCitation{ContainerID: "cntr", FileID: "cfile"}, "msg-1")
	require.True(t, ok)
	assert.Equal(t,
		`<a class="sandbox-link" href="/files/cntr/cfile/content" download="out.csv">/mnt/data/out.csv</a>`,
		ev.(stepchat.TextReplaced).Markup)
}

func TestRewriteSkips(t *testing.T) {
	ctx := context.Background()
	cases := map[string]struct {
		r      *stepchat.Rewriter
		a      stepchat.Annotation
		active string
	}{
		"no active item":   {&stepchat.Rewriter{}, stepchat.FileCitation{Filename: "a"}, ""},
		"empty filename":   {&stepchat.Rewriter{}, stepchat.FileCitation{}, "m"},
		"no locator":       {&stepchat.Rewriter{}, stepchat.ContainerFileCitation{ContainerID: "c", FileID: "f"}, "m"},
		"lookup failure":   {&stepchat.Rewriter{Locator: fakeLocator{err: errors.New("gone")}}, stepchat.ContainerFileCitation{}, "m"},
		"unknown type":     {&stepchat.Rewriter{}, stepchat.OtherAnnotation{Type: "url_citation"}, "m"},
		"nil annotation":   {&stepchat.Rewriter{}, nil, "m"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := tc.r.Rewrite(ctx, tc.a, tc.active)
			assert.False(t, ok)
		})
	}
}
