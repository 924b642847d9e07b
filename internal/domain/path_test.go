package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
		isDoc   bool
	}{
		{"top collection", "users", false, false},
		{"document", "users/u1", false, true},
		{"sub-collection", "users/u1/posts", false, false},
		{"nested document", "users/u1/posts/p1", false, true},
		{"empty", "", true, false},
		{"leading slash", "/users", true, false},
		{"trailing slash", "users/", true, false},
		{"empty segment", "users//u1", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParsePath(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.in, p.String())
			require.Equal(t, tt.isDoc, p.IsDocument())
			require.Equal(t, !tt.isDoc, p.IsCollection())
		})
	}
}

func TestPath_Accessors(t *testing.T) {
	p, err := ParseDocumentPath("users/u1/posts/p1")
	require.NoError(t, err)

	require.Equal(t, "posts", p.Collection())
	require.Equal(t, "p1", p.DocID())
	require.Equal(t, "users/u1/posts", p.Parent().String())
	require.Equal(t, "users/u1", p.Parent().Parent().String())

	col, err := ParseCollectionPath("users/u1/posts")
	require.NoError(t, err)
	require.Equal(t, "posts", col.Collection())
	require.Equal(t, "", col.DocID())
	require.Equal(t, "users/u1/posts/p2", col.Child("p2").String())
}

func TestParseDocumentPath_RejectsCollections(t *testing.T) {
	_, err := ParseDocumentPath("users")
	require.Error(t, err)

	_, err = ParseCollectionPath("users/u1")
	require.Error(t, err)
}

func TestPublicationFor(t *testing.T) {
	doc := &Document{
		ID:      "d1",
		Path:    "items/d1",
		Version: 7,
		Data:    []byte(`{"a":1}`),
	}

	created := PublicationFor(EventInsert, doc)
	require.Equal(t, "CREATED", string(created.Type))
	require.JSONEq(t, `{"a":1}`, string(created.Data))
	require.EqualValues(t, 7, created.Version)

	updated := PublicationFor(EventUpdate, doc)
	require.Equal(t, "UPDATED", string(updated.Type))
	require.JSONEq(t, `{"a":1}`, string(updated.Data))

	set := PublicationFor(EventSet, doc)
	require.Equal(t, "UPDATED", string(set.Type))

	deleted := PublicationFor(EventDelete, doc)
	require.Equal(t, "DELETED", string(deleted.Type))
	require.Empty(t, deleted.Data)
}
