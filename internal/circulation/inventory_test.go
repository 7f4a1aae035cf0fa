package circulation

import (
	"context"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"librarylend/internal/apperr"
	"librarylend/internal/domain"
	"librarylend/internal/store"
)

func decodeFields(t *testing.T, body string) BookFields {
	t.Helper()
	var f BookFields
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal([]byte(body), &f))
	return f
}

func TestCountDecoding(t *testing.T) {
	tests := []struct {
		body string
		want Count
	}{
		{`{}`, Count{}},
		{`{"TotalCopies":null}`, Count{}},
		{`{"TotalCopies":""}`, Count{}},
		{`{"TotalCopies":4}`, Count{Value: 4, Set: true}},
		{`{"TotalCopies":"4"}`, Count{Value: 4, Set: true}},
		{`{"TotalCopies":" 7 "}`, Count{Value: 7, Set: true}},
		{`{"TotalCopies":3.0}`, Count{Value: 3, Set: true}},
		{`{"TotalCopies":-2}`, Count{Value: -2, Set: true}},
		{`{"TotalCopies":"many"}`, Count{Set: true, Invalid: true}},
		{`{"TotalCopies":2.5}`, Count{Set: true, Invalid: true}},
	}
	for _, tt := range tests {
		t.Run(tt.body, func(t *testing.T) {
			assert.Equal(t, tt.want, decodeFields(t, tt.body).TotalCopies)
		})
	}
}

func TestAddBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	b, err := f.svc.AddBook(ctx, decodeFields(t, `{"ISBN":"1","Title":"Dune","Author":"","PublishYear":1965,
		"AvailableCopies":99,"BorrowCount":7,"Borrowers":["x"],"Status":"OutOfStock"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, b.TotalCopies)
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, 0, b.BorrowCount)
	assert.Empty(t, b.Borrowers)
	assert.Equal(t, domain.StatusAvailable, b.Status)
	assert.Equal(t, "1965", b.PublishYear)
	assert.Empty(t, b.Author)

	b, err = f.svc.AddBook(ctx, decodeFields(t, `{"ISBN":"2","Title":"Emma","TotalCopies":"3"}`))
	require.NoError(t, err)
	assert.Equal(t, 3, f.getBook(t, "2").AvailableCopies)

	b, err = f.svc.AddBook(ctx, decodeFields(t, `{"ISBN":"3","Title":"Zero","TotalCopies":0}`))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusOutOfStock, b.Status)

	tests := []struct {
		name string
		body string
		want *apperr.Error
	}{
		{"missing ISBN", `{"Title":"x"}`, apperr.InvalidInput},
		{"blank Title", `{"ISBN":"9","Title":"  "}`, apperr.InvalidInput},
		{"negative copies", `{"ISBN":"9","Title":"x","TotalCopies":-1}`, apperr.InvalidInput},
		{"non-numeric copies", `{"ISBN":"9","Title":"x","TotalCopies":"lots"}`, apperr.InvalidInput},
		{"duplicate ISBN", `{"ISBN":"1","Title":"Other"}`, apperr.DuplicateBook},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AddBook(ctx, decodeFields(t, tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, "Dune", f.getBook(t, "1").Title, "duplicate add must not overwrite")
}

func TestEditBookCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 5)
	for _, u := range []string{"a", "b", "c"} {
		f.user(t, u)
		_, err := f.svc.Borrow(ctx, "978", u)
		require.NoError(t, err)
	}

	_, err := f.svc.EditBook(ctx, "978", decodeFields(t, `{"TotalCopies":2}`))
	assert.ErrorIs(t, err, apperr.InvalidCapacity)
	assert.Equal(t, 5, f.getBook(t, "978").TotalCopies)

	b, err := f.svc.EditBook(ctx, "978", decodeFields(t, `{"TotalCopies":3,"AvailableCopies":3,"BorrowCount":0,"Borrowers":[]}`))
	require.NoError(t, err)
	assert.Equal(t, 3, b.TotalCopies)
	assert.Equal(t, 0, b.AvailableCopies)
	assert.Equal(t, domain.StatusOutOfStock, b.Status)
	assert.Equal(t, 3, b.BorrowCount)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, b.Borrowers)

	b, err = f.svc.EditBook(ctx, "978", decodeFields(t, `{"TotalCopies":10}`))
	require.NoError(t, err)
	assert.Equal(t, 7, b.AvailableCopies)
	assert.True(t, b.Consistent())

	_, err = f.svc.EditBook(ctx, "978", decodeFields(t, `{"TotalCopies":-1}`))
	assert.ErrorIs(t, err, apperr.InvalidInput)
}

func TestEditBookDescriptiveFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.AddBook(ctx, decodeFields(t, `{"ISBN":"1","Title":"Dune","Author":"Herbert","Category":"Fiction","TotalCopies":2}`))
	require.NoError(t, err)

	b, err := f.svc.EditBook(ctx, "1", decodeFields(t, `{"ISBN":"other","Title":"Dune Messiah","Author":"","Location":"Shelf 4"}`))
	require.NoError(t, err)
	assert.Equal(t, "1", b.ISBN)
	assert.Equal(t, "Dune Messiah", b.Title)
	assert.Equal(t, "Herbert", b.Author)
	assert.Equal(t, "Fiction", b.Category)
	assert.Equal(t, "Shelf 4", b.Location)
	assert.Equal(t, 2, b.TotalCopies, "absent TotalCopies keeps the old total")

	_, err = f.svc.EditBook(ctx, "missing", decodeFields(t, `{"Title":"x"}`))
	assert.ErrorIs(t, err, apperr.NotFound)
}

func TestEditBookRetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "1", 2)

	f.faulty.Fail(store.OpReplaceBook, store.ErrVersionConflict, 2)
	b, err := f.svc.EditBook(ctx, "1", decodeFields(t, `{"TotalCopies":4}`))
	require.NoError(t, err)
	assert.Equal(t, 4, b.TotalCopies)
	assert.Equal(t, 3, f.faulty.Calls(store.OpReplaceBook))

	f.faulty.Fail(store.OpReplaceBook, store.ErrVersionConflict, -1)
	_, err = f.svc.EditBook(ctx, "1", decodeFields(t, `{"TotalCopies":5}`))
	assert.Equal(t, apperr.KindStoreFailure, apperr.KindOf(err))
	assert.Equal(t, 4, f.getBook(t, "1").TotalCopies)
}

func TestDeleteBook(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "978", 2)
	f.user(t, "alice")
	_, err := f.svc.Borrow(ctx, "978", "alice")
	require.NoError(t, err)

	err = f.svc.DeleteBook(ctx, "978")
	require.ErrorIs(t, err, apperr.BooksOnLoan)
	assert.Contains(t, err.Error(), "1 copies")

	require.NoError(t, f.svc.Return(ctx, "978", "alice"))
	require.NoError(t, f.svc.DeleteBook(ctx, "978"))

	_, err = f.mem.GetBook(ctx, "978")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, f.svc.DeleteBook(ctx, "978"), apperr.NotFound)
}

func TestDeleteBookRetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.book(t, "1", 1)

	f.faulty.Fail(store.OpDeleteBook, store.ErrVersionConflict, 1)
	require.NoError(t, f.svc.DeleteBook(ctx, "1"))
	assert.Equal(t, 2, f.faulty.Calls(store.OpDeleteBook))
}
