package ddtoken

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeGuard struct {
	released int
}

func (g *fakeGuard) Release() { g.released++ }

func TestInsertAndRemoveReleasesGuardAndPermit(t *testing.T) {
	s := New(time.Hour)

	g := &fakeGuard{}
	permitReleased := false

	tok := s.InsertReader(g, func() { permitReleased = true })
	require.Equal(t, 1, s.Len())

	entry := s.Remove(tok)
	require.NotNil(t, entry)
	require.Equal(t, 0, s.Len())

	entry.Release()
	require.Equal(t, 1, g.released)
	require.True(t, permitReleased)
}

func TestRemoveUnknownTokenReturnsNil(t *testing.T) {
	s := New(time.Hour)
	require.Nil(t, s.Remove(Token(999)))
}

func TestInsertWriterCarriesDeclaredSize(t *testing.T) {
	s := New(time.Hour)

	tok := s.InsertWriter(&fakeGuard{}, 1024, func() {})
	entry := s.Remove(tok)
	require.NotNil(t, entry)
	require.Equal(t, uint64(1024), entry.DeclaredSize)
}

func TestTokensAreDistinct(t *testing.T) {
	s := New(time.Hour)

	tok1 := s.InsertReader(&fakeGuard{}, func() {})
	tok2 := s.InsertReader(&fakeGuard{}, func() {})
	require.NotEqual(t, tok1, tok2)
}

func TestNextDeadlineIsEarliestAcrossEntries(t *testing.T) {
	s := New(time.Hour)
	_, ok := s.NextDeadline()
	require.False(t, ok, "empty table has no deadline")

	s.InsertReader(&fakeGuard{}, func() {})
	time.Sleep(time.Millisecond)
	laterTok := s.InsertReader(&fakeGuard{}, func() {})

	deadline, ok := s.NextDeadline()
	require.True(t, ok)

	laterEntry := s.Remove(laterTok)
	require.True(t, deadline.Before(laterEntry.deadline) || deadline.Equal(laterEntry.deadline))
}

func TestRemoveExpiredReapsDueEntries(t *testing.T) {
	s := New(time.Millisecond)

	g := &fakeGuard{}
	s.InsertReader(g, func() {})

	time.Sleep(20 * time.Millisecond)

	expired := s.RemoveExpired(time.Now())
	require.Len(t, expired, 1)
	require.Equal(t, 0, s.Len())
}

func TestRemoveExpiredLeavesFreshEntries(t *testing.T) {
	s := New(time.Hour)

	s.InsertReader(&fakeGuard{}, func() {})

	expired := s.RemoveExpired(time.Now())
	require.Empty(t, expired)
	require.Equal(t, 1, s.Len())
}
