package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prof(id string, g, pref Gender) *Profile {
	return &Profile{ConnID: id, Gender: g, Preference: pref}
}

func TestParseGender(t *testing.T) {
	tests := []struct {
		in   string
		want Gender
		ok   bool
	}{
		{"male", Male, true},
		{" Female ", Female, true},
		{"both", Both, true},
		{"", Both, true},
		{"other", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseGender(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCompatible(t *testing.T) {
	assert.True(t, Compatible(prof("a", Male, Female), prof("b", Female, Male)))
	assert.True(t, Compatible(prof("a", Male, Both), prof("b", Female, Both)))
	assert.False(t, Compatible(prof("a", Male, Female), prof("b", Female, Female)))
	assert.False(t, Compatible(prof("a", Male, Both), prof("a", Male, Both)), "self pairing")
	// A "both" presenter only meets people who accept anyone.
	assert.False(t, Compatible(prof("a", Both, Both), prof("b", Male, Female)))
	assert.True(t, Compatible(prof("a", Both, Male), prof("b", Male, Both)))
}

func TestPool_EnqueueTwice(t *testing.T) {
	p := NewPool()
	a := prof("a", Male, Both)
	require.True(t, p.Enqueue(a))
	assert.False(t, p.Enqueue(a))
	assert.Equal(t, 1, p.Len())
	assert.Equal(t, []string{"a"}, p.Waiting(Male))
}

func TestPool_FIFOWithinBucket(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("w1", Male, Both))
	p.Enqueue(prof("w2", Male, Both))

	got := p.DequeueCompatible(prof("s", Female, Male))
	require.NotNil(t, got)
	assert.Equal(t, "w1", got.ConnID)
	assert.Equal(t, []string{"w2"}, p.Waiting(Male))
	assert.False(t, p.Contains("w1"))
}

func TestPool_SkipsIncompatible(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("picky", Male, Male))
	p.Enqueue(prof("open", Male, Both))

	got := p.DequeueCompatible(prof("s", Female, Male))
	require.NotNil(t, got)
	assert.Equal(t, "open", got.ConnID)
	assert.True(t, p.Contains("picky"))
}

func TestPool_BothPreferencePicksOldestAcrossBuckets(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("f1", Female, Both))
	p.Enqueue(prof("m1", Male, Both))
	p.Enqueue(prof("f2", Female, Both))

	seeker := prof("s", Male, Both)
	assert.Equal(t, "f1", p.DequeueCompatible(seeker).ConnID)
	assert.Equal(t, "m1", p.DequeueCompatible(seeker).ConnID)
	assert.Equal(t, "f2", p.DequeueCompatible(seeker).ConnID)
	assert.Nil(t, p.DequeueCompatible(seeker))
}

func TestPool_SpecificPreferenceScansOneBucket(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("m", Male, Both))
	p.Enqueue(prof("x", Both, Both))

	assert.Nil(t, p.DequeueCompatible(prof("s", Male, Female)))
	assert.Equal(t, 2, p.Len())
}

func TestPool_NoMatchIsNil(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("m", Male, Male))
	assert.Nil(t, p.DequeueCompatible(prof("s", Female, Male)))
	assert.Equal(t, 1, p.Len())
}

func TestPool_Remove(t *testing.T) {
	p := NewPool()
	p.Enqueue(prof("a", Female, Both))
	assert.True(t, p.Remove("a"))
	assert.False(t, p.Remove("a"))
	assert.Equal(t, 0, p.Len())
	assert.Empty(t, p.Waiting(Female))
}

func TestPool_ReenqueueGoesToTail(t *testing.T) {
	p := NewPool()
	a := prof("a", Male, Both)
	p.Enqueue(a)
	p.Enqueue(prof("b", Male, Both))
	p.Remove("a")
	p.Enqueue(a)
	assert.Equal(t, []string{"b", "a"}, p.Waiting(Male))
}
